// Package fetch 封装对外部站点的 HTTP GET。
//
// 对应上游站点的抓取契约：带浏览器头的 GET、透明 gzip 解压、
// 每次请求独立超时。所有抓取组件共享同一个 Client。
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cardhunter/internal/config"
	"cardhunter/internal/pkg/metrics"
	"cardhunter/internal/pkg/ratelimit"
)

// Client 是带固定请求头与限流的文档抓取客户端。
type Client struct {
	httpClient     *http.Client
	limiter        *ratelimit.RateLimiter
	logger         *slog.Logger
	userAgent      string
	acceptLanguage string
}

// NewClient 创建抓取客户端。
//
// limiter 可以为 nil，表示不做出站限流。请求超时取自配置，缺省 20s；
// 没有超时的抓取会让整个池被单个挂起请求拖死。
func NewClient(cfg *config.ScraperConfig, limiter *ratelimit.RateLimiter, logger *slog.Logger) *Client {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:        limiter,
		logger:         logger,
		userAgent:      cfg.UserAgent,
		acceptLanguage: cfg.AcceptLanguage,
	}
}

// Get 抓取 rawURL 并返回响应体。
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.GetWithHeaders(ctx, rawURL, nil)
}

// GetWithHeaders 抓取 rawURL，extra 中的头会覆盖默认值。
//
// 非 2xx 状态码视为错误。响应按 Content-Encoding 透明解压 gzip。
func (c *Client) GetWithHeaders(ctx context.Context, rawURL string, extra map[string]string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", c.acceptLanguage)
	req.Header.Set("Accept-Encoding", "gzip,deflate")
	req.Header.Set("Cache-Control", "max-age=0")
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	host := hostOf(rawURL)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(host, "error", start)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(host, fmt.Sprintf("http_%d", resp.StatusCode), start)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.observe(host, "gzip_error", start)
			return nil, fmt.Errorf("open gzip body of %s: %w", rawURL, err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		c.observe(host, "read_error", start)
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	c.observe(host, "ok", start)
	return body, nil
}

func (c *Client) observe(host, result string, start time.Time) {
	if metrics.FetchTotal == nil {
		return
	}
	metrics.FetchTotal.WithLabelValues(host, result).Inc()
	metrics.FetchDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Host
}
