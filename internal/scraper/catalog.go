package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/agnivade/levenshtein"
	"golang.org/x/net/html"

	"cardhunter/internal/config"
	"cardhunter/internal/model"
)

var (
	// ErrNotFound 表示目录站点既没有直接命中也没有任何候选提示。
	ErrNotFound = errors.New("card not found in catalog")

	// ErrPageShape 表示页面缺少预期的结构元素（站点改版或确实不是卡牌页）。
	ErrPageShape = errors.New("unexpected catalog page shape")
)

// CatalogScraper 针对目录站点解析卡牌：规范名称、印刷版本与价格键。
//
// 页面结构是按位置约定的（第四张表、第三个单元格……），所有这类脆弱查找
// 都集中在这个文件里，站点改版时只需要动这里。
type CatalogScraper struct {
	fetcher   Fetcher
	baseURL   string
	queryTmpl string
}

// Fetcher 是抓取客户端的最小接口。
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
	GetWithHeaders(ctx context.Context, rawURL string, extra map[string]string) ([]byte, error)
}

// NewCatalogScraper 创建目录抓取器。
func NewCatalogScraper(cfg *config.ScraperConfig, fetcher Fetcher) *CatalogScraper {
	return &CatalogScraper{
		fetcher:   fetcher,
		baseURL:   cfg.CatalogBaseURL,
		queryTmpl: cfg.CatalogQueryTmpl,
	}
}

// Resolve 把原始卡名解析为规范名称和卡牌页地址。
//
// 流程：按名称查询；页面直接命中（结构标志：表格数 > 2）则接受；
// 否则在提示列表中选相似度最高的候选；没有候选返回 ErrNotFound。
// 若命中的页面不是英文版，跟随一次语言切换链接。
func (s *CatalogScraper) Resolve(ctx context.Context, rawName string) (name, pageURL string, doc *goquery.Document, err error) {
	name = rawName
	pageURL = s.baseURL + fmt.Sprintf(s.queryTmpl, url.QueryEscape(rawName))

	doc, err = s.fetchDoc(ctx, pageURL)
	if err != nil {
		return "", "", nil, err
	}

	if !isCardPage(doc) {
		hintName, hintHref, ok := bestHint(doc, rawName)
		if !ok {
			return "", "", nil, ErrNotFound
		}

		name = hintName
		pageURL = resolveHref(pageURL, hintHref)
		doc, err = s.fetchDoc(ctx, pageURL)
		if err != nil {
			return "", "", nil, err
		}
	}

	enName, enHref, redirect, err := englishRedirect(doc)
	if err != nil {
		return "", "", nil, err
	}
	if redirect {
		name = enName
		pageURL = resolveHref(pageURL, enHref)
		doc, err = s.fetchDoc(ctx, pageURL)
		if err != nil {
			return "", "", nil, err
		}
	}

	return name, pageURL, doc, nil
}

// Printings 枚举卡牌页上列出的全部印刷版本。
//
// 版本清单位于内容单元格里，由 <u> 小节标记分隔；起始小节的下标
// 取决于卡牌是否双面（标记数为 3 时从第 2 个开始，否则从第 3 个），
// 这里按标记数探测而不是写死。对每个版本页提取描述信息和价格键；
// 版本页抓取失败只丢失该版本的元数据，版本本身保留。
func (s *CatalogScraper) Printings(ctx context.Context, pageURL string, doc *goquery.Document) ([]*model.Printing, error) {
	cell, err := contentCell(doc)
	if err != nil {
		return nil, err
	}

	markers := cell.Find("u")
	if markers.Length() == 0 {
		return nil, nil
	}

	startIndex := 2
	if markers.Length() == 3 { // 双面卡的版本小节提前一位
		startIndex = 1
	}
	if startIndex >= markers.Length() {
		return nil, nil
	}

	var printings []*model.Printing
	start := markers.Get(startIndex)
walk:
	for n := nextInDocument(start, start); n != nil; n = nextInDocument(n, nil) {
		if n.Type != html.ElementNode {
			continue
		}

		switch n.Data {
		case "u":
			// 下一个小节标记，版本清单到此为止
			break walk
		case "a":
			href := attrValue(n, "href")
			printings = append(printings, &model.Printing{
				Name:    strings.ToLower(strings.TrimSpace(nodeText(n))),
				InfoURL: resolveHref(s.baseURL, href),
			})
		case "b":
			// 当前页面自身的版本，去掉末尾括号里的稀有度标注
			name := nodeText(n)
			if i := strings.Index(name, "("); i >= 0 {
				name = name[:i]
			}
			printings = append(printings, &model.Printing{
				Name:    strings.ToLower(strings.TrimSpace(name)),
				InfoURL: pageURL,
			})
		}
	}

	for _, p := range printings {
		if err := s.fillPrintingDetails(ctx, p); err != nil {
			// 单个版本页失败不拖垮整张卡
			continue
		}
	}

	return printings, nil
}

// fillPrintingDetails 抓取版本页并填充图片地址与价格键。
func (s *CatalogScraper) fillPrintingDetails(ctx context.Context, p *model.Printing) error {
	doc, err := s.fetchDoc(ctx, p.InfoURL)
	if err != nil {
		return err
	}

	table := nthTable(doc, 3)
	if table == nil {
		return ErrPageShape
	}

	if href, ok := table.Find("a").First().Attr("href"); ok {
		p.InfoURL = resolveHref(s.baseURL, href)
	}
	if src, ok := table.Find("img").First().Attr("src"); ok {
		p.ImageURL = src
	}

	// 价格键藏在价格脚本引用的查询串里；没有脚本说明价格服务上无此商品
	if src, ok := table.Find("script").First().Attr("src"); ok {
		if u, err := url.Parse(src); err == nil {
			p.PriceKey = u.Query().Get("sid")
		}
	}

	return nil
}

func (s *CatalogScraper) fetchDoc(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := s.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, nil
}

// isCardPage 判断查询结果是否直接命中卡牌页。
func isCardPage(doc *goquery.Document) bool {
	return doc.Find("table").Length() > 2
}

// bestHint 在提示列表里挑与输入名相似度最高的候选（并列取先出现的）。
func bestHint(doc *goquery.Document, name string) (hintName, href string, ok bool) {
	best := -1.0
	doc.Find("li").Each(func(_ int, li *goquery.Selection) {
		a := li.Find("a").First()
		if a.Length() == 0 {
			return
		}

		text := strings.TrimSpace(a.Text())
		if rate := similarity(name, text); rate > best {
			if h, exists := a.Attr("href"); exists {
				best = rate
				hintName = text
				href = h
			}
		}
	})

	return hintName, href, best >= 0
}

// englishRedirect 检查语言单元格。
//
// 英文行的卡名包在 <b> 里；若是 <a> 则说明当前页不是英文版，
// 需要跟随一次链接。缺少语言区块视为页面结构异常。
func englishRedirect(doc *goquery.Document) (name, href string, redirect bool, err error) {
	cell, err := contentCell(doc)
	if err != nil {
		return "", "", false, err
	}

	img := cell.Find("img[alt=English]").First()
	if img.Length() == 0 {
		return "", "", false, ErrPageShape
	}

	tag := img.Next()
	switch goquery.NodeName(tag) {
	case "b":
		return "", "", false, nil
	case "a":
		href, _ := tag.Attr("href")
		return strings.TrimSpace(tag.Text()), href, true, nil
	default:
		return "", "", false, ErrPageShape
	}
}

// contentCell 返回卡牌页的内容单元格（第四张表的第三个 td）。
func contentCell(doc *goquery.Document) (*goquery.Selection, error) {
	table := nthTable(doc, 3)
	if table == nil {
		return nil, ErrPageShape
	}
	cell := table.Find("td").Eq(2)
	if cell.Length() == 0 {
		return nil, ErrPageShape
	}
	return cell, nil
}

func nthTable(doc *goquery.Document, n int) *goquery.Selection {
	tables := doc.Find("table")
	if tables.Length() <= n {
		return nil
	}
	return tables.Eq(n)
}

// similarity 计算大小写与空白不敏感的归一化相似度（0..1）。
func similarity(a, b string) float64 {
	na := normalizeName(a)
	nb := normalizeName(b)
	if na == nb {
		return 1
	}

	longest := max(len([]rune(na)), len([]rune(nb)))
	if longest == 0 {
		return 0
	}

	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(longest)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// nextInDocument 返回文档顺序上的下一个节点。
//
// skipChildren 非空时跳过该节点的子树（用于越过起始标记自身的内容）。
func nextInDocument(n *html.Node, skipChildren *html.Node) *html.Node {
	if n != skipChildren && n.FirstChild != nil {
		return n.FirstChild
	}
	for n != nil {
		if n.NextSibling != nil {
			return n.NextSibling
		}
		n = n.Parent
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolveHref 把相对链接解析到 base 的域上。
func resolveHref(base, href string) string {
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}
