// Package pool 提供解析与抓取共用的固定并发工作池。
//
// 与通用队列不同，这里的一次 Run 只服务一个批次：单元按下标提交，
// 调用方把结果写进自己按下标预留的位置，因此返回顺序天然等于输入顺序。
// 单个单元失败（或 panic）只影响它自己的位置，绝不打断同批其他单元。
package pool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// UnitFunc 是池中一个工作单元，index 是该单元在批次中的下标。
type UnitFunc func(ctx context.Context, index int) error

// Pool 固定并发上限的工作池。
type Pool struct {
	logger *slog.Logger
	cap    int

	stats poolStats
}

type poolStats struct {
	TotalProcessed atomic.Int64 // 总处理单元数
	TotalFailed    atomic.Int64 // 失败单元数
	TotalPanics    atomic.Int64 // panic 次数
}

// Stats 池统计信息快照。
type Stats struct {
	TotalProcessed int64
	TotalFailed    int64
	TotalPanics    int64
}

// New 创建一个工作池。
//
// 参数:
//   - logger: 日志记录器
//   - cap: 并发上限（至少为 1）
func New(logger *slog.Logger, cap int) *Pool {
	if cap <= 0 {
		cap = 1
	}
	return &Pool{logger: logger, cap: cap}
}

// Run 以 min(units, cap) 个 worker 执行 units 个单元并等待全部完成。
//
// ctx 取消后不再派发新单元，已开始的单元会跑完；这是批级别的取消语义，
// 不做单元内中断。
func (p *Pool) Run(ctx context.Context, units int, fn UnitFunc) {
	if units <= 0 {
		return
	}

	workers := p.cap
	if units < workers {
		workers = units
	}

	indexes := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range indexes {
				p.executeUnit(ctx, fn, idx, workerID)
			}
		}(i)
	}

dispatch:
	for i := 0; i < units; i++ {
		select {
		case indexes <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(indexes)

	wg.Wait()
}

// executeUnit 执行单个单元，带 panic 恢复。
func (p *Pool) executeUnit(ctx context.Context, fn UnitFunc, index int, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.TotalPanics.Add(1)
			p.logger.Error("pool unit panic recovered",
				slog.Int("worker_id", workerID),
				slog.Int("index", index),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := fn(ctx, index)
	p.stats.TotalProcessed.Add(1)

	if err != nil {
		p.stats.TotalFailed.Add(1)
		p.logger.Warn("pool unit failed",
			slog.Int("worker_id", workerID),
			slog.Int("index", index),
			slog.String("error", err.Error()))
	}
}

// Stats 获取统计信息快照。
func (p *Pool) Stats() Stats {
	return Stats{
		TotalProcessed: p.stats.TotalProcessed.Load(),
		TotalFailed:    p.stats.TotalFailed.Load(),
		TotalPanics:    p.stats.TotalPanics.Load(),
	}
}

// Cap 返回并发上限。
func (p *Pool) Cap() int {
	return p.cap
}
