package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"cardhunter/internal/config"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// ListReady 发送"清单报价已就绪"的邮件。
//
// 邮件配置不完整时跳过并记日志，不视为错误：通知是尽力而为的
// 旁路，不能反过来影响任务状态机。
func (n *EmailNotifier) ListReady(ctx context.Context, token string, entryCount int) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[CardHunter] 清单 %s 报价已就绪", token))
	m.SetBody("text/html", n.buildHTMLBody(token, entryCount))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("token", token))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(token string, entryCount int) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 520px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .token { font-size: 24px; font-weight: bold; letter-spacing: 2px; margin: 8px 0 12px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[CardHunter] 🃏 报价抓取完成</div>
    <div class="content">
      <p>以下清单的卖家报价已经全部抓取完毕：</p>
      <div class="token">%s</div>
      <div class="footer">共更新 %d 个 (卡牌, 版本) 条目。</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, token, entryCount)
}
