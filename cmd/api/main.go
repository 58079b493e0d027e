package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"cardhunter/internal/api"
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

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志与指标
// 2. 连接 MySQL（自动迁移）与可选的 Redis 限流器
// 3. 组装抓取服务、任务管理器和 HTTP 服务器
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

	srv := api.NewServer(cfg, appLogger, st, svc, manager)
	if err := srv.Run(ctx); err != nil {
		appLogger.Error("server run failed", slog.String("error", err.Error()))
		os.Exit(1)
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
		// 限流器对 Redis 故障本就是放行语义，启动时同样不因此退出
		appLogger.Warn("redis unreachable, rate limiting degraded",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()))
	}

	return ratelimit.NewRedisRateLimiter(rdb, appLogger,
		"cardhunter:ratelimit:outbound", cfg.Scraper.RateLimit, cfg.Scraper.RateBurst)
}
