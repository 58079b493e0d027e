package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"cardhunter/internal/config"
	"cardhunter/internal/listparse"
	"cardhunter/internal/model"
	"cardhunter/internal/store"
)

// fakeStore 内存实现 ListStore。
type fakeStore struct {
	lists map[string]*model.CardList
	tasks map[string]*model.Task
	fail  bool // 置位后所有操作返回存储错误
}

var errStorage = errors.New("mysql is on fire")

func newFakeStore() *fakeStore {
	return &fakeStore{
		lists: map[string]*model.CardList{},
		tasks: map[string]*model.Task{},
	}
}

func (s *fakeStore) CreateList(ctx context.Context, visibility string, cards []*model.Card) (*model.CardList, error) {
	if s.fail {
		return nil, errStorage
	}
	list := &model.CardList{Token: "tok001", Visibility: visibility, Cards: cards}
	s.lists[list.Token] = list
	return list, nil
}

func (s *fakeStore) GetList(ctx context.Context, token string) (*model.CardList, error) {
	if s.fail {
		return nil, errStorage
	}
	list, ok := s.lists[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return list, nil
}

func (s *fakeStore) DeleteList(ctx context.Context, token string) error {
	if s.fail {
		return errStorage
	}
	delete(s.lists, token)
	delete(s.tasks, token)
	return nil
}

func (s *fakeStore) GetTask(ctx context.Context, token string) (*model.Task, error) {
	if s.fail {
		return nil, errStorage
	}
	task, ok := s.tasks[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return task, nil
}

// fakeResolver 原样回显条目，不访问任何站点。
type fakeResolver struct {
	got []listparse.Entry
}

func (r *fakeResolver) ResolveBatch(ctx context.Context, entries []listparse.Entry) []*model.Card {
	r.got = entries
	cards := make([]*model.Card, len(entries))
	for i, e := range entries {
		cards[i] = &model.Card{Name: e.Name, Quantity: e.Quantity}
	}
	return cards
}

type fakeTasks struct {
	task *model.Task
	err  error
}

func (t *fakeTasks) GetOrCreate(ctx context.Context, token string) (*model.Task, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.task, nil
}

func newTestServer(t *testing.T, st *fakeStore, resolver *fakeResolver, tasks *fakeTasks) *httptest.Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.App.TopSellers = 5
	cfg.App.MaxListLines = 10

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := httptest.NewServer(NewServer(cfg, logger, st, resolver, tasks).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ============================================================================
// 清单路由
// ============================================================================

func TestCreateList(t *testing.T) {
	st := newFakeStore()
	resolver := &fakeResolver{}
	srv := newTestServer(t, st, resolver, &fakeTasks{})

	body := "Lightning Bolt 3\nlightning bolt\nShock 2\n"
	resp, err := http.Post(srv.URL+"/lists?visibility=public", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /lists failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var got struct {
		Token      string        `json:"token"`
		Visibility string        `json:"visibility"`
		Cards      []*model.Card `json:"cards"`
	}
	decodeJSON(t, resp, &got)

	if got.Token == "" || got.Visibility != model.VisibilityPublic {
		t.Errorf("response = %+v", got)
	}
	// 重复行在进入解析器前已合并
	if len(resolver.got) != 2 || resolver.got[0].Quantity != 4 {
		t.Errorf("resolver entries = %+v", resolver.got)
	}
}

func TestCreateList_EmptyBodyIsBadRequest(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeResolver{}, &fakeTasks{})

	resp, err := http.Post(srv.URL+"/lists", "text/plain", strings.NewReader("\n\n"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateList_TooManyLinesIsBadRequest(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeResolver{}, &fakeTasks{})

	var sb strings.Builder
	for i := 0; i < 11; i++ {
		sb.WriteString("Card Number ")
		sb.WriteByte(byte('a' + i))
		sb.WriteString("\n")
	}
	resp, err := http.Post(srv.URL+"/lists", "text/plain", strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetList_IncludesPriceSums(t *testing.T) {
	st := newFakeStore()
	st.lists["tok001"] = &model.CardList{
		Token:      "tok001",
		Visibility: model.VisibilityPrivate,
		Cards: []*model.Card{{
			Name:     "Lightning Bolt",
			Quantity: 2,
			Printings: []*model.Printing{{
				Name:   "alpha",
				Prices: &model.PriceSummary{Low: 1, Mid: 2, High: 3},
			}},
		}},
	}
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/tok001")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Token    string        `json:"token"`
		Cards    []*model.Card `json:"cards"`
		PriceSum struct {
			Low  float64 `json:"low"`
			Mid  float64 `json:"mid"`
			High float64 `json:"high"`
		} `json:"price_sum"`
	}
	decodeJSON(t, resp, &got)

	if got.Token != "tok001" || len(got.Cards) != 1 {
		t.Errorf("response = %+v", got)
	}
	if got.PriceSum.Low != 2 || got.PriceSum.Mid != 4 || got.PriceSum.High != 6 {
		t.Errorf("price_sum = %+v", got.PriceSum)
	}
}

func TestGetList_UnknownTokenIs404(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/nosuch")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetList_StoreFailureIs502(t *testing.T) {
	st := newFakeStore()
	st.fail = true
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/tok001")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestDeleteList(t *testing.T) {
	st := newFakeStore()
	st.lists["tok001"] = &model.CardList{Token: "tok001"}
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/lists/tok001", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/lists/tok001", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

// ============================================================================
// 任务与卖家路由
// ============================================================================

func TestCreateTask(t *testing.T) {
	st := newFakeStore()
	st.lists["tok001"] = &model.CardList{Token: "tok001"}
	tasks := &fakeTasks{task: &model.Task{
		Token:   "tok001",
		Status:  model.StatusNeedUpdate,
		Entries: []*model.TaskEntry{{CardName: "Shock", PriceKey: "1"}},
	}}
	srv := newTestServer(t, st, &fakeResolver{}, tasks)

	resp, err := http.Post(srv.URL+"/lists/tok001/task", "", nil)
	if err != nil {
		t.Fatalf("POST task failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var got struct {
		Token   string `json:"token"`
		Status  string `json:"status"`
		Entries int    `json:"entries"`
	}
	decodeJSON(t, resp, &got)
	if got.Status != model.StatusNeedUpdate || got.Entries != 1 {
		t.Errorf("response = %+v", got)
	}
}

func TestCreateTask_UnknownTokenIs404(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeResolver{}, &fakeTasks{err: store.ErrNotFound})

	resp, err := http.Post(srv.URL+"/lists/nosuch/task", "", nil)
	if err != nil {
		t.Fatalf("POST task failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func sellerFixture(st *fakeStore) {
	st.lists["tok001"] = &model.CardList{
		Token: "tok001",
		Cards: []*model.Card{{Name: "Lightning Bolt", Quantity: 2}},
	}
	st.tasks["tok001"] = &model.Task{
		Token:  "tok001",
		Status: model.StatusUpdated,
		Entries: []*model.TaskEntry{{
			CardName: "Lightning Bolt",
			PriceKey: "11111",
			Status:   model.StatusUpdated,
			Offers: []*model.SellerOffers{
				{
					Seller: &model.Seller{Name: "A", URL: "http://m/a"},
					Offers: []*model.Offer{{Quantity: 2, UnitPrice: 2.0}},
				},
				{
					Seller: &model.Seller{Name: "B", URL: "http://m/b"},
					Offers: []*model.Offer{{Quantity: 5, UnitPrice: 1.0}},
				},
				{
					Seller: &model.Seller{Name: "C", URL: "http://m/c"},
					Offers: []*model.Offer{{Quantity: 1, UnitPrice: 0.1}},
				},
			},
		}},
	}
}

func TestCheapestSellers(t *testing.T) {
	st := newFakeStore()
	sellerFixture(st)
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/tok001/sellers/cheapest")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Sellers []struct {
			Seller model.Seller `json:"seller"`
			Cost   float64      `json:"cost"`
		} `json:"sellers"`
	}
	decodeJSON(t, resp, &got)

	// C 件数不足被排除；B 比 A 便宜
	if len(got.Sellers) != 2 {
		t.Fatalf("sellers = %d, want 2", len(got.Sellers))
	}
	if got.Sellers[0].Seller.Name != "B" || got.Sellers[0].Cost != 2.0 {
		t.Errorf("first = %+v", got.Sellers[0])
	}
	if got.Sellers[1].Seller.Name != "A" || got.Sellers[1].Cost != 4.0 {
		t.Errorf("second = %+v", got.Sellers[1])
	}
}

func TestAvailableSellers_LimitParam(t *testing.T) {
	st := newFakeStore()
	sellerFixture(st)
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/tok001/sellers/available?limit=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Sellers []struct {
			Seller    model.Seller `json:"seller"`
			Available int          `json:"available"`
		} `json:"sellers"`
	}
	decodeJSON(t, resp, &got)

	if len(got.Sellers) != 1 {
		t.Fatalf("sellers = %d, want 1 (limit)", len(got.Sellers))
	}
	if got.Sellers[0].Available != 2 {
		t.Errorf("top availability = %d, want 2 (capped at requested)", got.Sellers[0].Available)
	}
}

func TestSellers_NoTaskYetIsEmptyList(t *testing.T) {
	st := newFakeStore()
	st.lists["tok001"] = &model.CardList{
		Token: "tok001",
		Cards: []*model.Card{{Name: "Shock", Quantity: 1}},
	}
	srv := newTestServer(t, st, &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/lists/tok001/sellers/cheapest")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Sellers []json.RawMessage `json:"sellers"`
	}
	decodeJSON(t, resp, &got)
	if len(got.Sellers) != 0 {
		t.Errorf("sellers = %v, want empty", got.Sellers)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeResolver{}, &fakeTasks{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
