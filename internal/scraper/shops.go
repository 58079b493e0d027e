package scraper

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cardhunter/internal/config"
	"cardhunter/internal/model"
)

// ShopOffer 是单体商店（非聚合市场）针对一张卡的报价。
type ShopOffer struct {
	CardName  string  `json:"card_name"`
	URL       string  `json:"url"`
	Kind      string  `json:"kind"` // common / foil
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"` // 已按配置汇率换算成美元
}

// ShopScraper 在一家商店里按卡名搜索报价。
//
// 这类站点的结构各不相同且更不稳定，实现全部是尽力而为：
// 搜不到或页面对不上就返回空，不报错。
type ShopScraper interface {
	Name() string
	Offers(ctx context.Context, card *model.Card) ([]*ShopOffer, error)
}

var uahAmountRe = regexp.MustCompile(`[0-9]+(?:[.,][0-9]+)?`)

// uahToDollar 从价格文本里取出金额并按汇率换算，保留两位小数。
func uahToDollar(text string, rate float64) float64 {
	m := uahAmountRe.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0
	}
	return math.Round(v*rate*100) / 100
}

// BuyMagicScraper 解析 buymagic 风格的系列搜索页。
type BuyMagicScraper struct {
	fetcher   Fetcher
	searchURL string
	uahRate   float64
}

func NewBuyMagicScraper(cfg *config.ScraperConfig, fetcher Fetcher) *BuyMagicScraper {
	return &BuyMagicScraper{
		fetcher:   fetcher,
		searchURL: cfg.BuyMagicURL,
		uahRate:   cfg.UAHRate,
	}
}

func (s *BuyMagicScraper) Name() string { return "buymagic" }

// Offers 搜索卡牌并解析普通/闪卡两档报价。
func (s *BuyMagicScraper) Offers(ctx context.Context, card *model.Card) ([]*ShopOffer, error) {
	page, err := s.fetchSearch(ctx, card.Name)
	if err != nil {
		return nil, err
	}

	// 上游把结果块写在 <p> 里，HTML5 解析会把 div 提升为 p 的兄弟节点，
	// 所以不能按 p > div 的嵌套去找
	cardDiv := page.Find("div.c2 div").First()
	if cardDiv.Length() == 0 {
		return nil, nil
	}

	href, _ := cardDiv.Find("a").First().Attr("href")

	var offers []*ShopOffer
	cardDiv.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		tds := tr.Find("td")
		if tds.Length() < 3 {
			return
		}

		kind := "foil"
		if strings.TrimSpace(tds.Eq(0).Find("b").Text()) == "Обычный" {
			kind = "common"
		}

		price := uahToDollar(tds.Eq(1).Text(), s.uahRate)
		if price <= 0 {
			return
		}

		offers = append(offers, &ShopOffer{
			CardName:  card.Name,
			URL:       href,
			Kind:      kind,
			Quantity:  tds.Eq(2).Find("option").Length(),
			UnitPrice: price,
		})
	})

	return offers, nil
}

func (s *BuyMagicScraper) fetchSearch(ctx context.Context, name string) (*goquery.Document, error) {
	body, err := s.fetcher.Get(ctx, fmt.Sprintf(s.searchURL, url.QueryEscape(name)))
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(string(body)))
}

// SpellShopScraper 解析 spellshop 风格的搜索结果表。
type SpellShopScraper struct {
	fetcher   Fetcher
	searchURL string
	uahRate   float64
}

func NewSpellShopScraper(cfg *config.ScraperConfig, fetcher Fetcher) *SpellShopScraper {
	return &SpellShopScraper{
		fetcher:   fetcher,
		searchURL: cfg.SpellShopURL,
		uahRate:   cfg.UAHRate,
	}
}

func (s *SpellShopScraper) Name() string { return "spellshop" }

// Offers 搜索卡牌，结果表的第一行就是该卡的报价。
func (s *SpellShopScraper) Offers(ctx context.Context, card *model.Card) ([]*ShopOffer, error) {
	// 站点搜索对撇号敏感，去掉再转义
	query := url.QueryEscape(strings.ReplaceAll(card.Name, "'", ""))
	body, err := s.fetcher.Get(ctx, fmt.Sprintf(s.searchURL, query))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	row := doc.Find("td.td_center table tr").First()
	tds := row.Find("td")
	if tds.Length() < 6 {
		return nil, nil
	}

	href, _ := tds.Eq(1).Find("a").First().Attr("href")
	price := uahToDollar(tds.Eq(4).Text(), s.uahRate)
	if price <= 0 {
		return nil, nil
	}

	return []*ShopOffer{{
		CardName:  card.Name,
		URL:       resolveHref(fmt.Sprintf(s.searchURL, query), href),
		Kind:      "common",
		Quantity:  tds.Eq(5).Find("option").Length(),
		UnitPrice: price,
	}}, nil
}
