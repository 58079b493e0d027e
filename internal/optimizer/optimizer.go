// Package optimizer 把按卡聚来的卖家报价汇总成购买建议。
//
// 核心是两个视图：能覆盖整份清单的卖家按成本升序，以及所有卖家按
// 可供数量降序。成本计算用最便宜优先的贪心：在"同一报价档内单价
// 恒定、件与件可互换"的模型下，贪心消耗即是最优解。
package optimizer

import (
	"errors"
	"sort"
	"strings"

	"cardhunter/internal/model"
)

// ErrCostUnavailable 表示卖家无法覆盖整份清单，此时成本无定义。
//
// 调用方必须先用 HasAll 过滤；把它当静默零处理是契约违规。
var ErrCostUnavailable = errors.New("seller cannot cover the whole list")

// SellerStock 是一个卖家对整份清单的持货视图。
//
// offers 按规范化卡名索引；同一卖家跨版本、跨分页抓到的报价
// 全部汇入同一张卡的档位列表，重复抓取是追加而不是替换。
type SellerStock struct {
	Seller *model.Seller
	offers map[string][]*model.Offer
}

func cardKey(name string) string {
	return strings.ToLower(name)
}

// Offers 返回该卖家针对某张卡的报价档。
func (st *SellerStock) Offers(cardName string) []*model.Offer {
	return st.offers[cardKey(cardName)]
}

// AvailableCount 计算该卖家能供应的总件数。
//
// 每张卡按各档数量求和，但封顶在清单要求的数量；跨卡求和。
func (st *SellerStock) AvailableCount(cards []*model.Card) int {
	total := 0
	for _, card := range cards {
		have := 0
		for _, offer := range st.offers[cardKey(card.Name)] {
			have += offer.Quantity
		}
		if have > card.Quantity {
			have = card.Quantity
		}
		total += have
	}
	return total
}

// HasAll 报告该卖家是否能完整覆盖清单。
func (st *SellerStock) HasAll(cards []*model.Card) bool {
	required := 0
	for _, card := range cards {
		required += card.Quantity
	}
	return st.AvailableCount(cards) == required
}

// Cost 计算从该卖家购齐整份清单的最小成本。
//
// 每张卡的报价档按单价升序排列，从最便宜的档开始消耗（允许
// 只消耗一档的一部分），直到凑够数量。卖家覆盖不了清单时返回
// ErrCostUnavailable。对相同输入重复调用结果一致。
func (st *SellerStock) Cost(cards []*model.Card) (float64, error) {
	if !st.HasAll(cards) {
		return 0, ErrCostUnavailable
	}

	total := 0.0
	for _, card := range cards {
		offers := st.offers[cardKey(card.Name)]

		sorted := make([]*model.Offer, len(offers))
		copy(sorted, offers)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].UnitPrice < sorted[j].UnitPrice
		})

		remaining := card.Quantity
		for _, offer := range sorted {
			if remaining == 0 {
				break
			}
			take := offer.Quantity
			if take > remaining {
				take = remaining
			}
			total += float64(take) * offer.UnitPrice
			remaining -= take
		}
	}

	return total, nil
}

// Aggregator 以 (名称, 地址) 为键合并各卡、各分页抓到的卖家。
type Aggregator struct {
	stocks map[string]*SellerStock
	order  []string // 首次出现顺序
}

func NewAggregator() *Aggregator {
	return &Aggregator{stocks: map[string]*SellerStock{}}
}

// Add 把一组 (卡牌, 卖家报价) 并入聚合。
func (a *Aggregator) Add(cardName string, group *model.SellerOffers) {
	if group == nil || group.Seller == nil {
		return
	}

	key := group.Seller.Key()
	st, ok := a.stocks[key]
	if !ok {
		st = &SellerStock{Seller: group.Seller, offers: map[string][]*model.Offer{}}
		a.stocks[key] = st
		a.order = append(a.order, key)
	}

	ck := cardKey(cardName)
	st.offers[ck] = append(st.offers[ck], group.Offers...)
}

// AddTask 把一个已完成（或部分完成）任务的条目全部并入聚合。
func (a *Aggregator) AddTask(task *model.Task) {
	for _, entry := range task.Entries {
		for _, group := range entry.Offers {
			a.Add(entry.CardName, group)
		}
	}
}

// Sellers 按首次出现顺序返回所有卖家。
func (a *Aggregator) Sellers() []*SellerStock {
	out := make([]*SellerStock, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, a.stocks[key])
	}
	return out
}

// SellerCost 是"可整单购齐"视图中的一行。
type SellerCost struct {
	Stock *SellerStock
	Cost  float64
}

// SellerAvailability 是"可供数量"视图中的一行。
type SellerAvailability struct {
	Stock     *SellerStock
	Available int
}

// CheapestSellers 返回能覆盖整份清单的卖家，按成本升序取前 n 个。
func CheapestSellers(stocks []*SellerStock, cards []*model.Card, n int) []SellerCost {
	var ranked []SellerCost
	for _, st := range stocks {
		cost, err := st.Cost(cards)
		if err != nil {
			continue // 覆盖不了清单的卖家不参与这个视图
		}
		ranked = append(ranked, SellerCost{Stock: st, Cost: cost})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Cost < ranked[j].Cost
	})
	return truncate(ranked, n)
}

// MostAvailableSellers 返回所有卖家，按可供数量降序取前 n 个。
func MostAvailableSellers(stocks []*SellerStock, cards []*model.Card, n int) []SellerAvailability {
	ranked := make([]SellerAvailability, 0, len(stocks))
	for _, st := range stocks {
		ranked = append(ranked, SellerAvailability{Stock: st, Available: st.AvailableCount(cards)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Available > ranked[j].Available
	})
	return truncate(ranked, n)
}

func truncate[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// ListPriceSum 按价格摘要估算整份清单的参考价。
//
// level 取 low / mid / high；每张卡取各版本中该档的最低值乘以
// 数量，没有任何价格摘要的卡跳过。
func ListPriceSum(cards []*model.Card, level string) float64 {
	total := 0.0
	for _, card := range cards {
		best := 0.0
		for _, p := range card.Printings {
			if p.Prices == nil {
				continue
			}
			v := 0.0
			switch level {
			case "low":
				v = p.Prices.Low
			case "high":
				v = p.Prices.High
			default:
				v = p.Prices.Mid
			}
			if best == 0 || v < best {
				best = v
			}
		}
		total += best * float64(card.Quantity)
	}
	return total
}
