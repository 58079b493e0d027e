package notify

import (
	"context"
)

// Notifier 定义通知接口。
type Notifier interface {
	// ListReady 在清单的报价任务全部完成时发送通知。
	//
	// 参数:
	//   ctx: 上下文
	//   token: 清单令牌
	//   entryCount: 本次任务覆盖的 (卡牌, 版本) 条目数
	ListReady(ctx context.Context, token string, entryCount int) error
}
