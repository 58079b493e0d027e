// Package logger 提供全局统一的 slog 初始化。
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 按配置的级别创建标准输出上的文本日志记录器。
//
// 未知级别回落到 info。
func NewDefault(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// NewJSON 创建 JSON 格式的日志记录器，生产环境使用。
func NewJSON(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
