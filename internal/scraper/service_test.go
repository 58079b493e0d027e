package scraper

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"cardhunter/internal/config"
	"cardhunter/internal/fetch"
	"cardhunter/internal/listparse"
	"cardhunter/internal/model"
)

// newService 把整个抓取服务指向 testSite。
//
// 目录查询模板改成路径式（q/<name>），让每张卡落到独立页面。
func newService(t *testing.T, site *testSite) *Service {
	t.Helper()

	cfg := &config.Config{}
	cfg.App.WorkerPoolCap = 4
	cfg.Scraper = config.ScraperConfig{
		CatalogBaseURL:   site.srv.URL + "/",
		CatalogQueryTmpl: "q/%s",
		PriceBriefURL:    site.srv.URL + "/brief?sid=",
		PriceFullURL:     site.srv.URL + "/full?sid=",
		BuyMagicURL:      site.srv.URL + "/buymagic?search=%s",
		SpellShopURL:     site.srv.URL + "/spellshop?q=%s",
		UAHRate:          0.04,
		UserAgent:        "test",
		AcceptLanguage:   "en",
		FetchTimeout:     2 * time.Second,
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(cfg, fetch.NewClient(&cfg.Scraper, nil, logger), logger)
}

// ============================================================================
// ResolveBatch：顺序、隔离、黑名单
// ============================================================================

func TestResolveBatch(t *testing.T) {
	script := `<script src="http://partner.test/mchl.ashx?sid=11111"></script>`
	bolt := cardPage(englishBlock, `<b>Alpha (rare)</b>`, script)
	shock := cardPage(`<img alt="English"><b>Shock</b>`, `<b>M10 (common)</b>`, "")

	site := newTestSite(t, map[string]string{
		"/q/Lightning+Bolt": bolt,
		"/q/Shock":          shock,
		// /q/Nonexistent+Card 缺失，抓取报 404
		"/brief": wrapJS(briefHTML),
	})
	svc := newService(t, site)

	entries := []listparse.Entry{
		{Name: "Lightning Bolt", Quantity: 4},
		{Name: "Plains", Quantity: 10},
		{Name: "Nonexistent Card", Quantity: 1},
		{Name: "Shock", Quantity: 2},
	}

	cards := svc.ResolveBatch(context.Background(), entries)
	if len(cards) != 4 {
		t.Fatalf("got %d cards, want 4", len(cards))
	}

	// 位置与输入一一对应
	if cards[0].Name != "Lightning Bolt" || cards[0].Quantity != 4 {
		t.Errorf("cards[0] = %+v", cards[0])
	}
	if !cards[0].Resolved() {
		t.Fatal("cards[0] should resolve")
	}
	if cards[0].Printings[0].PriceKey != "11111" {
		t.Errorf("cards[0] price key = %q", cards[0].Printings[0].PriceKey)
	}
	if !cards[0].Priced() {
		t.Error("cards[0] should carry a price summary")
	}

	// 基础地黑名单：不查目录，保持未解析
	if cards[1].Name != "Plains" || cards[1].Resolved() {
		t.Errorf("cards[1] = %+v, want unresolved basic land", cards[1])
	}

	// 单卡失败不影响批次
	if cards[2].Name != "Nonexistent Card" || cards[2].Resolved() {
		t.Errorf("cards[2] = %+v, want unresolved", cards[2])
	}

	if !cards[3].Resolved() || cards[3].Name != "Shock" {
		t.Errorf("cards[3] = %+v", cards[3])
	}
	// 无价格键的版本保留但无摘要
	if cards[3].Priced() {
		t.Error("cards[3] has no price key, must not be priced")
	}
}

func TestResolveBatch_EmptyInput(t *testing.T) {
	site := newTestSite(t, map[string]string{})
	svc := newService(t, site)

	cards := svc.ResolveBatch(context.Background(), nil)
	if len(cards) != 0 {
		t.Errorf("got %d cards, want 0", len(cards))
	}
}

// ============================================================================
// ShopOffers：单体商店
// ============================================================================

const buyMagicPage = `<html><body><div class="c2">
<p>Результат поиска</p>
<div>
<a href="http://buymagic.test/card/bolt">Lightning Bolt</a>
<table>
<tr><td><b>Обычный</b></td><td>50 грн.</td><td><select><option>1</option><option>2</option></select></td></tr>
<tr><td><b>Фойл</b></td><td>200 грн.</td><td><select><option>1</option></select></td></tr>
</table>
</div>
</div></body></html>`

const spellShopPage = `<html><body><table><tr><td class="td_center">
<table>
<tr>
<td>1</td>
<td><a href="/card/123">Lightning Bolt</a></td>
<td><img src="/img/123.jpg"></td>
<td>M10</td>
<td>52.00 грн</td>
<td><select><option>1</option><option>2</option><option>3</option></select></td>
</tr>
</table>
</td></tr></table></body></html>`

func TestShopOffers(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/buymagic":  buyMagicPage,
		"/spellshop": spellShopPage,
	})
	svc := newService(t, site)

	cards := []*model.Card{{Name: "Lightning Bolt", Quantity: 4}}
	result := svc.ShopOffers(context.Background(), cards)

	bm := result["buymagic"]
	if len(bm) != 2 {
		t.Fatalf("buymagic offers = %d, want 2", len(bm))
	}
	if bm[0].Kind != "common" || bm[0].UnitPrice != 2.0 || bm[0].Quantity != 2 {
		t.Errorf("buymagic common = %+v", bm[0])
	}
	if bm[1].Kind != "foil" || bm[1].UnitPrice != 8.0 {
		t.Errorf("buymagic foil = %+v", bm[1])
	}

	ss := result["spellshop"]
	if len(ss) != 1 {
		t.Fatalf("spellshop offers = %d, want 1", len(ss))
	}
	if ss[0].UnitPrice != 2.08 || ss[0].Quantity != 3 {
		t.Errorf("spellshop offer = %+v", ss[0])
	}
	if ss[0].URL != site.srv.URL+"/card/123" {
		t.Errorf("spellshop URL = %q, want resolved against shop host", ss[0].URL)
	}
}

func TestShopOffers_ShopFailureLeavesEmptySlot(t *testing.T) {
	// buymagic 页面缺失（404），spellshop 正常
	site := newTestSite(t, map[string]string{
		"/spellshop": spellShopPage,
	})
	svc := newService(t, site)

	cards := []*model.Card{{Name: "Lightning Bolt", Quantity: 1}}
	result := svc.ShopOffers(context.Background(), cards)

	if len(result["buymagic"]) != 0 {
		t.Errorf("buymagic = %+v, want empty on failure", result["buymagic"])
	}
	if len(result["spellshop"]) != 1 {
		t.Errorf("spellshop = %+v, want unaffected", result["spellshop"])
	}
}

// ============================================================================
// uahToDollar
// ============================================================================

func TestUAHToDollar(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"50 грн.", 2.0},
		{"52.50 грн", 2.1},
		{"12,5", 0.5},
		{"нет в наличии", 0},
	}

	for _, tt := range tests {
		if got := uahToDollar(tt.text, 0.04); got != tt.want {
			t.Errorf("uahToDollar(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
