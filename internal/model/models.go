package model

import "strings"

// 任务与条目的状态常量。
//
// 状态只会单向流转：need_update -> updated，不存在回退。
const (
	StatusNeedUpdate = "need_update" // 等待抓取卖家报价
	StatusUpdated    = "updated"     // 抓取已完成（包括抓到空结果）
)

// 清单可见性。
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Card 表示清单中的一张待购卡牌。
//
// Name 在解析成功后是目录站点的规范名称。Quantity 始终 >= 1，
// 同一批输入中重复出现的名称在解析前就会被合并（数量相加）。
// 卡牌身份以名称（大小写不敏感）判定。
type Card struct {
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	Printings []*Printing `json:"printings,omitempty"`
}

// Resolved 报告卡牌是否成功解析出至少一个印刷版本。
func (c *Card) Resolved() bool {
	return len(c.Printings) > 0
}

// Priced 报告卡牌是否有任一版本带有价格摘要。
func (c *Card) Priced() bool {
	for _, p := range c.Printings {
		if p.Prices != nil {
			return true
		}
	}
	return false
}

// SameName 以大小写不敏感的方式比较卡牌名称。
func (c *Card) SameName(name string) bool {
	return strings.EqualFold(c.Name, name)
}

// Printing 表示卡牌的一个印刷版本（系列）。
//
// PriceKey 是价格服务使用的不透明标识（上游脚本 URL 里的 sid 参数），
// 为空表示该版本在价格服务上没有对应的商品，Prices 恒为 nil。
type Printing struct {
	Name     string        `json:"name"`
	InfoURL  string        `json:"info_url,omitempty"`
	ImageURL string        `json:"image_url,omitempty"`
	PriceKey string        `json:"price_key,omitempty"`
	Prices   *PriceSummary `json:"prices,omitempty"`
}

// PriceSummary 是价格服务返回的低/中/高摘要。
//
// 三个价格在解析时统一做下限归一化（<= 0 的原始值提升为 0.01），
// 保证后续最优化计算不会出现零成本的退化解。
type PriceSummary struct {
	PriceKey string  `json:"price_key"`
	URL      string  `json:"url"`
	Low      float64 `json:"low"`
	Mid      float64 `json:"mid"`
	High     float64 `json:"high"`
}

// Offer 是卖家针对某一 (卡牌, 版本) 的一个报价档：品相、件数、单价。
type Offer struct {
	Condition string  `json:"condition"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Seller 是市场站点上的一个卖家。
//
// 两个卖家相等当且仅当 (Name, URL) 相同；跨分页、跨卡牌的报价
// 都依赖这一身份做合并。
type Seller struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Rating string `json:"rating"`
	Sales  string `json:"sales"`
}

// Key 返回卖家的合并键。
func (s *Seller) Key() string {
	return s.Name + "\x00" + s.URL
}

// Equal 报告两个卖家是否为同一身份。
func (s *Seller) Equal(other *Seller) bool {
	return other != nil && s.Name == other.Name && s.URL == other.URL
}

// SellerOffers 是一次报价抓取中按卖家分组后的结果单元。
type SellerOffers struct {
	Seller *Seller  `json:"seller"`
	Offers []*Offer `json:"offers"`
}

// CardList 是持久化的卡牌清单。
//
// Token 是短随机标识，生成时会与存储中已有的 token 碰撞重试。
// 清单保存后不再修改，只能整体删除。
type CardList struct {
	Token      string  `json:"token"`
	Visibility string  `json:"visibility"`
	Cards      []*Card `json:"cards"`
}

// FindCard 按名称（大小写不敏感）查找清单中的卡牌，找不到返回 nil。
func (l *CardList) FindCard(name string) *Card {
	for _, c := range l.Cards {
		if c.SameName(name) {
			return c
		}
	}
	return nil
}

// Task 是与一份清单一一对应的后台解析任务。
//
// 任务状态为 updated 当且仅当所有条目都是 updated；
// 判定永远通过扫描条目得出，不单独缓存。
type Task struct {
	Token   string       `json:"token"`
	Status  string       `json:"status"`
	Entries []*TaskEntry `json:"entries"`
}

// AllUpdated 扫描条目并报告任务是否已全部完成。
func (t *Task) AllUpdated() bool {
	for _, e := range t.Entries {
		if e.Status != StatusUpdated {
			return false
		}
	}
	return true
}

// TaskEntry 跟踪一个 (卡牌, 版本) 的报价抓取进度。
//
// 条目创建时对应的卡牌和版本必须存在于所属清单中，且版本带有价格键。
// Offers 在抓取完成前为 nil；抓取到空结果同样算完成。
type TaskEntry struct {
	CardName     string          `json:"card_name"`
	PrintingName string          `json:"printing_name"`
	PriceKey     string          `json:"price_key"`
	Status       string          `json:"status"`
	Offers       []*SellerOffers `json:"offers,omitempty"`
}
