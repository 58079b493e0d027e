package scraper

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"cardhunter/internal/config"
	"cardhunter/internal/listparse"
	"cardhunter/internal/model"
	"cardhunter/internal/pkg/metrics"
	"cardhunter/internal/pkg/pool"
)

// basicLands 不值得去目录站点查询的通用卡名。
var basicLands = map[string]struct{}{
	"plains":   {},
	"island":   {},
	"swamp":    {},
	"mountain": {},
	"forest":   {},
}

// Service 把目录解析、价格摘要和报价抓取组合成批量操作。
//
// 所有批量方法共享同一个固定并发的工作池；单张卡的失败只会让
// 它自己退化为"未解析"，永远不会中断整批。
type Service struct {
	catalog *CatalogScraper
	pricer  *PriceScraper
	shops   []ShopScraper
	pool    *pool.Pool
	logger  *slog.Logger
}

// NewService 创建抓取服务。
func NewService(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *Service {
	return &Service{
		catalog: NewCatalogScraper(&cfg.Scraper, fetcher),
		pricer:  NewPriceScraper(&cfg.Scraper, fetcher, logger),
		shops: []ShopScraper{
			NewBuyMagicScraper(&cfg.Scraper, fetcher),
			NewSpellShopScraper(&cfg.Scraper, fetcher),
		},
		pool:   pool.New(logger, cfg.App.WorkerPoolCap),
		logger: logger,
	}
}

// ResolveBatch 并发解析一批 (卡名, 数量) 条目。
//
// 返回切片与输入一一对应：解析失败的位置是一张只有名称和数量的
// 未解析卡牌，绝不是 nil。这个方法自身不返回错误。
func (s *Service) ResolveBatch(ctx context.Context, entries []listparse.Entry) []*model.Card {
	cards := make([]*model.Card, len(entries))

	s.pool.Run(ctx, len(entries), func(ctx context.Context, i int) error {
		cards[i] = s.resolveCard(ctx, entries[i])
		return nil
	})

	// 批被取消时兜底，保证位置上仍是可用的未解析卡
	for i, c := range cards {
		if c == nil {
			cards[i] = &model.Card{Name: entries[i].Name, Quantity: entries[i].Quantity}
		}
	}

	return cards
}

// resolveCard 解析单张卡：目录命中 -> 版本枚举 -> 价格摘要。
func (s *Service) resolveCard(ctx context.Context, entry listparse.Entry) *model.Card {
	unresolved := &model.Card{Name: entry.Name, Quantity: entry.Quantity}

	if _, ok := basicLands[strings.ToLower(strings.TrimSpace(entry.Name))]; ok {
		s.countResolve("skipped")
		return unresolved
	}

	name, pageURL, doc, err := s.catalog.Resolve(ctx, entry.Name)
	if err != nil {
		s.logResolveFailure(entry.Name, err)
		s.countResolve("unresolved")
		return unresolved
	}

	printings, err := s.catalog.Printings(ctx, pageURL, doc)
	if err != nil || len(printings) == 0 {
		if err != nil {
			s.logResolveFailure(entry.Name, err)
		}
		s.countResolve("unresolved")
		return &model.Card{Name: name, Quantity: entry.Quantity}
	}

	for _, p := range printings {
		if p.PriceKey == "" {
			continue
		}
		summary, err := s.pricer.Summary(ctx, p.PriceKey)
		if err != nil {
			s.logger.Warn("price summary fetch failed",
				slog.String("card", name),
				slog.String("printing", p.Name),
				slog.String("error", err.Error()))
			continue
		}
		p.Prices = summary // nil 表示市场上无此商品，版本保留
	}

	s.countResolve("resolved")
	return &model.Card{Name: name, Quantity: entry.Quantity, Printings: printings}
}

// ScrapeOffers 按价格键抓取卖家报价，分页合并交给 PriceScraper。
func (s *Service) ScrapeOffers(ctx context.Context, priceKey string) ([]*model.SellerOffers, error) {
	return s.pricer.Offers(ctx, priceKey)
}

// ShopOffers 并发查询所有单体商店的报价，按商店名分组返回。
func (s *Service) ShopOffers(ctx context.Context, cards []*model.Card) map[string][]*ShopOffer {
	result := make(map[string][]*ShopOffer, len(s.shops))

	for _, shop := range s.shops {
		offers := make([][]*ShopOffer, len(cards))

		s.pool.Run(ctx, len(cards), func(ctx context.Context, i int) error {
			found, err := shop.Offers(ctx, cards[i])
			if err != nil {
				return err // 单卡失败只留空位
			}
			offers[i] = found
			return nil
		})

		var flat []*ShopOffer
		for _, part := range offers {
			flat = append(flat, part...)
		}
		result[shop.Name()] = flat
	}

	return result
}

// PoolCap 返回批量操作的并发上限。
func (s *Service) PoolCap() int {
	return s.pool.Cap()
}

func (s *Service) logResolveFailure(name string, err error) {
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("card not found in catalog", slog.String("card", name))
		return
	}
	s.logger.Warn("card resolution failed",
		slog.String("card", name),
		slog.String("error", err.Error()))
}

func (s *Service) countResolve(outcome string) {
	if metrics.CardResolveTotal != nil {
		metrics.CardResolveTotal.WithLabelValues(outcome).Inc()
	}
}
