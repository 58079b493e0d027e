// Package task 实现清单报价任务的状态机。
//
// 每份清单对应一个任务，任务由若干 (卡牌, 版本) 条目组成，条目
// 只会从 need_update 单向流转到 updated。worker 每轮先补齐缺失的
// 任务，再逐条抓取待更新条目；每个条目抓完立即落盘，进程崩溃后
// 下一轮从剩余条目继续。
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardhunter/internal/model"
	"cardhunter/internal/pkg/metrics"
	"cardhunter/internal/pkg/notify"
	"cardhunter/internal/store"
)

// Storage 是任务管理器需要的持久化能力。
type Storage interface {
	ListTokens(ctx context.Context) ([]string, error)
	GetList(ctx context.Context, token string) (*model.CardList, error)
	GetTask(ctx context.Context, token string) (*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error
}

// OfferScraper 按价格键抓取一个商品的全部卖家报价。
type OfferScraper interface {
	ScrapeOffers(ctx context.Context, priceKey string) ([]*model.SellerOffers, error)
}

// Manager 驱动任务的创建与推进。
type Manager struct {
	storage  Storage
	scraper  OfferScraper
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewManager 创建任务管理器。
//
// 参数:
//
//	storage: 持久化层
//	scraper: 报价抓取器
//	notifier: 完成通知（可为 nil，表示不通知）
//	logger: 日志记录器
//
// 返回值:
//
//	*Manager: 管理器实例
func NewManager(storage Storage, scraper OfferScraper, notifier notify.Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		storage:  storage,
		scraper:  scraper,
		notifier: notifier,
		logger:   logger,
	}
}

// GetOrCreate 返回清单的任务，不存在则创建。
//
// 新任务为每个带价格键的 (卡牌, 版本) 生成一个 need_update 条目；
// 没有价格键的版本在价格服务上不存在，不会产生条目。重复调用
// 返回已存在的任务，不会重置任何进度。
func (m *Manager) GetOrCreate(ctx context.Context, token string) (*model.Task, error) {
	task, err := m.storage.GetTask(ctx, token)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	list, err := m.storage.GetList(ctx, token)
	if err != nil {
		return nil, err
	}

	task = buildTask(list)
	if err := m.storage.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save new task: %w", err)
	}

	m.logger.Info("task created",
		slog.String("token", token),
		slog.Int("entries", len(task.Entries)))
	return task, nil
}

// buildTask 从清单构造初始任务。
//
// 清单里一张卡都解析不出来时任务没有条目，状态直接是 updated。
func buildTask(list *model.CardList) *model.Task {
	task := &model.Task{Token: list.Token, Status: model.StatusNeedUpdate}

	for _, card := range list.Cards {
		for _, p := range card.Printings {
			if p.PriceKey == "" {
				continue
			}
			task.Entries = append(task.Entries, &model.TaskEntry{
				CardName:     card.Name,
				PrintingName: p.Name,
				PriceKey:     p.PriceKey,
				Status:       model.StatusNeedUpdate,
			})
		}
	}

	if task.AllUpdated() {
		task.Status = model.StatusUpdated
	}
	return task
}

// RunPass 执行一轮完整扫描，返回本轮是否推进了任何条目。
//
// 扫描分两步：先为所有没有任务的清单补建任务（循环补建直到一轮
// 无新增，保证本轮创建的任务也会被处理），再逐任务推进待更新
// 条目。单个条目抓取失败保留 need_update，下一轮重试。
func (m *Manager) RunPass(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		if metrics.DaemonPassDuration != nil {
			metrics.DaemonPassDuration.Observe(time.Since(start).Seconds())
		}
	}()

	tokens, err := m.ensureTasks(ctx)
	if err != nil {
		return false, err
	}

	progressed := false
	pending := 0
	for _, token := range tokens {
		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}

		moved, done, err := m.advanceTask(ctx, token)
		if err != nil {
			m.logger.Warn("task advance failed",
				slog.String("token", token),
				slog.String("error", err.Error()))
			continue
		}
		if moved {
			progressed = true
		}
		if !done {
			pending++
		}
	}

	if metrics.TasksPending != nil {
		metrics.TasksPending.Set(float64(pending))
	}
	return progressed, nil
}

// ensureTasks 为缺少任务的清单补建任务，返回全部清单令牌。
func (m *Manager) ensureTasks(ctx context.Context) ([]string, error) {
	var tokens []string

	// 补建过程中可能有新清单进来，循环到一轮无新增为止；
	// 轮数有上限，防止清单持续涌入时这一步永不收敛。
	for round := 0; round < 10; round++ {
		var err error
		tokens, err = m.storage.ListTokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}

		created := 0
		for _, token := range tokens {
			_, err := m.storage.GetTask(ctx, token)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if _, err := m.GetOrCreate(ctx, token); err != nil {
				m.logger.Warn("task creation failed",
					slog.String("token", token),
					slog.String("error", err.Error()))
				continue
			}
			created++
		}
		if created == 0 {
			return tokens, nil
		}
	}
	return tokens, nil
}

// advanceTask 推进单个任务，返回 (是否有条目完成, 任务是否已全部完成)。
func (m *Manager) advanceTask(ctx context.Context, token string) (bool, bool, error) {
	task, err := m.storage.GetTask(ctx, token)
	if err != nil {
		return false, false, err
	}
	if task.Status == model.StatusUpdated {
		return false, true, nil
	}

	moved := false
	for _, entry := range task.Entries {
		if ctx.Err() != nil {
			return moved, false, ctx.Err()
		}
		if entry.Status == model.StatusUpdated {
			continue
		}

		groups, err := m.scraper.ScrapeOffers(ctx, entry.PriceKey)
		if err != nil {
			// 条目保持 need_update，下一轮重试
			m.logger.Warn("offer scrape failed",
				slog.String("token", token),
				slog.String("card", entry.CardName),
				slog.String("printing", entry.PrintingName),
				slog.String("error", err.Error()))
			continue
		}

		entry.Offers = groups
		entry.Status = model.StatusUpdated
		moved = true

		if err := m.storage.SaveTask(ctx, task); err != nil {
			return moved, false, fmt.Errorf("save task progress: %w", err)
		}
	}

	if task.Status != model.StatusUpdated && task.AllUpdated() {
		task.Status = model.StatusUpdated
		if err := m.storage.SaveTask(ctx, task); err != nil {
			return moved, false, fmt.Errorf("save task completion: %w", err)
		}
		m.logger.Info("task completed",
			slog.String("token", token),
			slog.Int("entries", len(task.Entries)))
		m.notifyReady(ctx, task)
	}

	return moved, task.Status == model.StatusUpdated, nil
}

// notifyReady 发送完成通知，失败只记日志。
func (m *Manager) notifyReady(ctx context.Context, task *model.Task) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.ListReady(ctx, task.Token, len(task.Entries)); err != nil {
		m.logger.Warn("completion notification failed",
			slog.String("token", task.Token),
			slog.String("error", err.Error()))
	}
}
