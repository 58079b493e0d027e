// Package api 提供清单与报价查询的 HTTP 边界。
//
// 这是一个纯 JSON API：解析、持久化和最优化都在内层完成，这里
// 只做路由、参数校验和错误码映射。
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cardhunter/internal/api/middleware"
	"cardhunter/internal/config"
	"cardhunter/internal/listparse"
	"cardhunter/internal/model"
	"cardhunter/internal/optimizer"
	"cardhunter/internal/store"
)

// maxListBodyBytes 清单正文的大小上限，防御性截断。
const maxListBodyBytes = 1 << 20

// ListStore 是 API 需要的持久化能力。
type ListStore interface {
	CreateList(ctx context.Context, visibility string, cards []*model.Card) (*model.CardList, error)
	GetList(ctx context.Context, token string) (*model.CardList, error)
	DeleteList(ctx context.Context, token string) error
	GetTask(ctx context.Context, token string) (*model.Task, error)
}

// Resolver 把解析后的清单条目批量解析为卡牌。
type Resolver interface {
	ResolveBatch(ctx context.Context, entries []listparse.Entry) []*model.Card
}

// TaskManager 按令牌取得或创建报价任务。
type TaskManager interface {
	GetOrCreate(ctx context.Context, token string) (*model.Task, error)
}

// Server 封装 API 服务的依赖与路由。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    ListStore
	resolver Resolver
	tasks    TaskManager
	router   *gin.Engine
}

// NewServer 组装路由。
//
// 依赖全部以接口注入，数据库与抓取器的初始化在 cmd 层完成。
//
// 参数:
//
//	cfg: 配置对象
//	logger: 日志记录器
//	listStore: 持久化层
//	resolver: 清单解析器
//	tasks: 任务管理器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, logger *slog.Logger, listStore ListStore, resolver Resolver, tasks TaskManager) *Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    listStore,
		resolver: resolver,
		tasks:    tasks,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), middleware.RequestLogger(logger))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/lists", s.handleCreateList)
	s.router.GET("/lists/:token", s.handleGetList)
	s.router.DELETE("/lists/:token", s.handleDeleteList)
	s.router.POST("/lists/:token/task", s.handleCreateTask)
	s.router.GET("/lists/:token/sellers/cheapest", s.handleCheapestSellers)
	s.router.GET("/lists/:token/sellers/available", s.handleAvailableSellers)
}

// Handler 暴露底层 http.Handler，测试直接打它。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务并在上下文取消时优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.App.HTTPAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreateList 接收纯文本清单，解析并持久化。
//
// 正文每行是 "卡名 [数量]"；可见性通过 ?visibility=public 指定，
// 默认 private。响应带令牌和逐卡解析结果。
func (s *Server) handleCreateList(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxListBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	entries := listparse.Parse(string(body))
	if len(entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty card list"})
		return
	}
	if max := s.cfg.App.MaxListLines; max > 0 && len(entries) > max {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "card list too long",
			"limit": max,
		})
		return
	}

	visibility := c.Query("visibility")
	if visibility != model.VisibilityPublic {
		visibility = model.VisibilityPrivate
	}

	cards := s.resolver.ResolveBatch(c.Request.Context(), entries)

	list, err := s.store.CreateList(c.Request.Context(), visibility, cards)
	if err != nil {
		s.storeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      list.Token,
		"visibility": list.Visibility,
		"cards":      list.Cards,
	})
}

func (s *Server) handleGetList(c *gin.Context) {
	list, err := s.store.GetList(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      list.Token,
		"visibility": list.Visibility,
		"cards":      list.Cards,
		"price_sum": gin.H{
			"low":  optimizer.ListPriceSum(list.Cards, "low"),
			"mid":  optimizer.ListPriceSum(list.Cards, "mid"),
			"high": optimizer.ListPriceSum(list.Cards, "high"),
		},
	})
}

func (s *Server) handleDeleteList(c *gin.Context) {
	// 先确认存在，保证对未知令牌返回 404 而不是静默成功
	if _, err := s.store.GetList(c.Request.Context(), c.Param("token")); err != nil {
		s.storeError(c, err)
		return
	}
	if err := s.store.DeleteList(c.Request.Context(), c.Param("token")); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCreateTask 为清单挂起报价任务，幂等。
func (s *Server) handleCreateTask(c *gin.Context) {
	task, err := s.tasks.GetOrCreate(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"token":   task.Token,
		"status":  task.Status,
		"entries": len(task.Entries),
	})
}

// handleCheapestSellers 返回能整单购齐的卖家，按成本升序。
func (s *Server) handleCheapestSellers(c *gin.Context) {
	list, stocks, ok := s.loadSellerStocks(c)
	if !ok {
		return
	}

	ranked := optimizer.CheapestSellers(stocks, list.Cards, s.sellerLimit(c))
	rows := make([]gin.H, 0, len(ranked))
	for _, r := range ranked {
		rows = append(rows, gin.H{
			"seller": r.Stock.Seller,
			"cost":   r.Cost,
		})
	}
	c.JSON(http.StatusOK, gin.H{"token": list.Token, "sellers": rows})
}

// handleAvailableSellers 返回所有卖家，按可供件数降序。
func (s *Server) handleAvailableSellers(c *gin.Context) {
	list, stocks, ok := s.loadSellerStocks(c)
	if !ok {
		return
	}

	ranked := optimizer.MostAvailableSellers(stocks, list.Cards, s.sellerLimit(c))
	rows := make([]gin.H, 0, len(ranked))
	for _, r := range ranked {
		rows = append(rows, gin.H{
			"seller":    r.Stock.Seller,
			"available": r.Available,
		})
	}
	c.JSON(http.StatusOK, gin.H{"token": list.Token, "sellers": rows})
}

// loadSellerStocks 读取清单与任务并聚合卖家持货。
//
// 任务不存在视同没有任何报价，返回空聚合而不是错误：卖家视图对
// "还没跑完的任务"天然就是部分数据。
func (s *Server) loadSellerStocks(c *gin.Context) (*model.CardList, []*optimizer.SellerStock, bool) {
	token := c.Param("token")

	list, err := s.store.GetList(c.Request.Context(), token)
	if err != nil {
		s.storeError(c, err)
		return nil, nil, false
	}

	agg := optimizer.NewAggregator()
	task, err := s.store.GetTask(c.Request.Context(), token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.storeError(c, err)
		return nil, nil, false
	}
	if task != nil {
		agg.AddTask(task)
	}

	return list, agg.Sellers(), true
}

func (s *Server) sellerLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return s.cfg.App.TopSellers
}

// storeError 把持久化层错误映射为 HTTP 状态码。
func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
		return
	}
	s.logger.Error("store operation failed", slog.String("error", err.Error()))
	c.JSON(http.StatusBadGateway, gin.H{"error": "storage unavailable"})
}
