package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cardhunter/internal/config"
	"cardhunter/internal/fetch"
	"cardhunter/internal/pkg/logger"
	"cardhunter/internal/pkg/metrics"
	"cardhunter/internal/pkg/notify"
	"cardhunter/internal/pkg/ratelimit"
	"cardhunter/internal/scraper"
	"cardhunter/internal/store"
	"cardhunter/internal/task"
)

// main 是后台 worker 的入口函数。
//
// worker 周期性扫描所有清单：补建缺失的任务并抓取待更新条目。
// 部署约定是单实例：任务推进没有跨进程互斥，多个 worker 同时
// 跑会重复抓取同一批条目。
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics(cfg.App.WorkerPoolCap)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenMySQL(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st, err := store.New(db, cfg.App.TokenLength)
	if err != nil {
		appLogger.Error("init store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := buildLimiter(ctx, cfg, appLogger)
	fetcher := fetch.NewClient(&cfg.Scraper, limiter, appLogger)
	svc := scraper.NewService(cfg, fetcher, appLogger)

	var notifier notify.Notifier
	if cfg.Email.ToEmail != "" {
		notifier = notify.NewEmailNotifier(&cfg.Email, appLogger)
	}
	manager := task.NewManager(st, svc, notifier, appLogger)

	if cfg.App.DaemonRunOnce {
		runUntilIdle(ctx, manager, appLogger)
		return
	}
	runLoop(ctx, cfg, manager, appLogger)
}

// runUntilIdle 反复扫描直到一轮没有任何进展，然后退出。
//
// 用于一次性补跑或在 cron 里调度。
func runUntilIdle(ctx context.Context, manager *task.Manager, appLogger *slog.Logger) {
	for {
		progressed, err := manager.RunPass(ctx)
		if err != nil {
			appLogger.Error("worker pass failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if !progressed {
			appLogger.Info("no pending work, exiting")
			return
		}
	}
}

// runLoop 以固定间隔持续扫描，直到收到退出信号。
func runLoop(ctx context.Context, cfg *config.Config, manager *task.Manager, appLogger *slog.Logger) {
	interval := cfg.App.DaemonInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	appLogger.Info("worker started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := manager.RunPass(ctx); err != nil {
			if ctx.Err() != nil {
				appLogger.Info("worker stopping")
				return
			}
			appLogger.Warn("worker pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			appLogger.Info("worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// buildLimiter 按配置构造出站限流器，Redis 未配置或速率为 0 时禁用。
func buildLimiter(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) *ratelimit.RateLimiter {
	if cfg.Redis.Addr == "" || cfg.Scraper.RateLimit <= 0 {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Warn("redis unreachable, rate limiting degraded",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()))
	}

	return ratelimit.NewRedisRateLimiter(rdb, appLogger,
		"cardhunter:ratelimit:outbound", cfg.Scraper.RateLimit, cfg.Scraper.RateBurst)
}
