package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"cardhunter/internal/config"
	"cardhunter/internal/model"
	"cardhunter/internal/pkg/metrics"
)

// ErrNoPriceTable 表示报价页上没有预期的价格表。
var ErrNoPriceTable = errors.New("offer listing has no price table")

// PriceScraper 按价格键抓取价格服务：摘要与分页的卖家报价表。
type PriceScraper struct {
	fetcher     Fetcher
	logger      *slog.Logger
	briefURL    string
	fullURL     string
	offerCookie string
}

// NewPriceScraper 创建价格抓取器。
func NewPriceScraper(cfg *config.ScraperConfig, fetcher Fetcher, logger *slog.Logger) *PriceScraper {
	return &PriceScraper{
		fetcher:     fetcher,
		logger:      logger,
		briefURL:    cfg.PriceBriefURL,
		fullURL:     cfg.PriceFullURL,
		offerCookie: cfg.OfferCookie,
	}
}

// Summary 抓取价格摘要。
//
// 响应是一段 document.write 风格的 JS 片段，先剥掉包装语法还原出
// HTML 再解析。查不到商品（缺少链接单元格）返回 (nil, nil)，
// 这是正常的"无价格"信号而不是错误。
func (s *PriceScraper) Summary(ctx context.Context, priceKey string) (*model.PriceSummary, error) {
	body, err := s.fetcher.Get(ctx, s.briefURL+priceKey)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(stripJSWrapper(string(body))))
	if err != nil {
		return nil, fmt.Errorf("parse price summary: %w", err)
	}

	link := doc.Find("td.TCGPHiLoLink a").First()
	href, ok := link.Attr("href")
	if !ok {
		// 该价格键在市场上没有对应商品
		return nil, nil
	}

	summary := &model.PriceSummary{
		PriceKey: priceKey,
		URL:      stripURLQuery(href),
		Low:      priceStrToFloat(priceCellText(doc, "td.TCGPHiLoLow")),
		Mid:      priceStrToFloat(priceCellText(doc, "td.TCGPHiLoMid")),
		High:     priceStrToFloat(priceCellText(doc, "td.TCGPHiLoHigh")),
	}
	return summary, nil
}

// Offers 抓取并翻页遍历卖家报价表，按卖家身份分组。
//
// 固定搜索条件的 Cookie 保证两次调用看到一致的行集。翻页跟随 Next
// 控件直到它带上 disabled。第一页失败返回错误（值得重试）；中途失败
// 保留已收集的页并停止，不丢弃部分结果。
func (s *PriceScraper) Offers(ctx context.Context, priceKey string) ([]*model.SellerOffers, error) {
	headers := map[string]string{"Cookie": s.offerCookie}

	var (
		groups []*model.SellerOffers
		index  = map[string]int{}
		pages  int
	)

	link := s.fullURL + priceKey
	for link != "" {
		body, err := s.fetcher.GetWithHeaders(ctx, link, headers)
		if err != nil {
			if pages == 0 {
				s.observeScrape("transport_error", pages)
				return nil, err
			}
			s.logger.Warn("offer pagination aborted, keeping collected pages",
				slog.String("price_key", priceKey),
				slog.Int("pages", pages),
				slog.String("error", err.Error()))
			s.observeScrape("partial", pages)
			return groups, nil
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			if pages == 0 {
				s.observeScrape("parse_error", pages)
				return nil, fmt.Errorf("parse offer page: %w", err)
			}
			s.observeScrape("partial", pages)
			return groups, nil
		}

		table := doc.Find("table.priceTable").First()
		if table.Length() == 0 {
			if pages == 0 {
				s.observeScrape("parse_error", pages)
				return nil, ErrNoPriceTable
			}
			s.observeScrape("partial", pages)
			return groups, nil
		}
		pages++

		table.Find("tr.vendor").Each(func(_ int, row *goquery.Selection) {
			seller, offer, err := s.parseOfferRow(row, link)
			if err != nil {
				s.logger.Debug("skip malformed offer row", slog.String("error", err.Error()))
				return
			}

			// 卖家按 (名称, 地址) 合并，保持首次出现的顺序
			if i, ok := index[seller.Key()]; ok {
				groups[i].Offers = append(groups[i].Offers, offer)
				return
			}
			index[seller.Key()] = len(groups)
			groups = append(groups, &model.SellerOffers{Seller: seller, Offers: []*model.Offer{offer}})
		})

		link = s.nextPageLink(doc)
	}

	s.observeScrape("ok", pages)
	return groups, nil
}

// parseOfferRow 从一行报价中提取卖家与报价档。
func (s *PriceScraper) parseOfferRow(row *goquery.Selection, pageURL string) (*model.Seller, *model.Offer, error) {
	sellerTd := row.Find("td.seller").First()
	anchor := sellerTd.Find("a").First()
	if anchor.Length() == 0 {
		return nil, nil, errors.New("seller cell has no link")
	}

	name := strings.TrimSpace(anchor.Text())
	href, _ := anchor.Attr("href")

	rating := ""
	if fields := strings.Fields(sellerTd.Find("span.actualRating a").First().Text()); len(fields) > 1 {
		rating = fields[1]
	}

	// 销量标题可能缺失，保持空串
	sales := strings.TrimSpace(sellerTd.Find("span.ratingHeading a").First().Text())

	qty, err := strconv.Atoi(strings.TrimSpace(row.Find("td.quantity").First().Text()))
	if err != nil {
		return nil, nil, fmt.Errorf("parse quantity: %w", err)
	}

	priceText := strings.TrimSpace(row.Find("td.price").First().Contents().First().Text())
	condition := strings.TrimSpace(row.Find("td.condition a").First().Text())

	seller := &model.Seller{
		Name:   name,
		URL:    resolveHref(pageURL, href),
		Rating: rating,
		Sales:  sales,
	}
	offer := &model.Offer{
		Condition: condition,
		Quantity:  qty,
		UnitPrice: priceStrToFloat(priceText),
	}
	return seller, offer, nil
}

// nextPageLink 返回下一页地址，Next 控件缺失或 disabled 时返回空串。
func (s *PriceScraper) nextPageLink(doc *goquery.Document) string {
	var next string
	doc.Find("div.pricePager a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if !strings.Contains(a.Text(), "Next") {
			return true
		}
		if _, disabled := a.Attr("disabled"); disabled {
			return false
		}
		if href, ok := a.Attr("href"); ok {
			next = resolveHref(s.fullURL, href)
		}
		return false
	})
	return next
}

func (s *PriceScraper) observeScrape(outcome string, pages int) {
	if metrics.OfferScrapeTotal == nil {
		return
	}
	metrics.OfferScrapeTotal.WithLabelValues(outcome).Inc()
	if pages > 0 {
		metrics.OfferPagesScraped.Observe(float64(pages))
	}
}

// stripJSWrapper 把 document.write 片段还原成 HTML。
//
// 上游把 HTML 切成 '...'+'...' 的串接并转义单引号，这里按固定的
// 16 字节前缀 / 3 字节后缀裁掉外壳。
func stripJSWrapper(s string) string {
	s = strings.ReplaceAll(s, `'+'`, "")
	s = strings.ReplaceAll(s, `\'`, `"`)
	if len(s) <= 19 {
		return ""
	}
	return s[16 : len(s)-3]
}

// priceCellText 取价格单元格里第二个子节点（标签后面的加粗值）的文本。
func priceCellText(doc *goquery.Document, selector string) string {
	return doc.Find(selector).First().Children().First().Text()
}

// priceStrToFloat 把 "$1,234.56" 形式的价格转成浮点数。
//
// 解析失败或非正值一律归一化为 0.01，避免零价格在成本优化里
// 产生退化解。
func priceStrToFloat(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0.01
	}
	return v
}

// stripURLQuery 把市场链接裁剪为 scheme+host+path（去掉联盟参数等）。
func stripURLQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
