package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/config"
	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/fallback"
	"crypto-tracker/internal/guard"
	"crypto-tracker/internal/provider"
)

type fakeMarketProvider struct {
	mu          sync.Mutex
	pages       [][]json.RawMessage
	pageErr     error
	pageCalls   int
	coins       []provider.CoinListEntry
	coinErr     error
	coinCalls   int
	prices      map[string]provider.SimplePrice
	priceErr    error
	priceCalls  [][]string
	requestedPP []int
}

func (f *fakeMarketProvider) FetchMarketsPage(ctx context.Context, page, perPage int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	f.requestedPP = append(f.requestedPP, perPage)
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	if page > len(f.pages) {
		return nil, nil
	}
	return f.pages[page-1], nil
}

func (f *fakeMarketProvider) FetchCoinList(ctx context.Context) ([]provider.CoinListEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coinCalls++
	return f.coins, f.coinErr
}

func (f *fakeMarketProvider) FetchSimplePrices(ctx context.Context, ids []string) (map[string]provider.SimplePrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls = append(f.priceCalls, ids)
	return f.prices, f.priceErr
}

type fakeNewsProvider struct {
	enabled bool
	items   []provider.NewsItem
	err     error
	calls   int
	from    time.Time
}

func (f *fakeNewsProvider) Enabled() bool { return f.enabled }

func (f *fakeNewsProvider) FetchEverything(ctx context.Context, query string, from time.Time, pageSize int) ([]provider.NewsItem, error) {
	f.calls++
	f.from = from
	return f.items, f.err
}

type lengthAnalyzer struct{}

// Analyze scores by text length so tests can predict results.
func (lengthAnalyzer) Analyze(text string) domain.SentimentResult {
	return domain.NewSentimentResult(float64(len(text)%10) / 10)
}

type harness struct {
	svc      *MarketService
	store    *cache.MemoryStore
	market   *fakeMarketProvider
	news     *fakeNewsProvider
	resolver *fallback.Resolver
	now      time.Time
	delays   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  cache.NewMemoryStore(),
		market: &fakeMarketProvider{},
		news:   &fakeNewsProvider{},
		now:    time.Unix(1_700_000_000, 0),
	}
	log, _ := logtest.NewNullLogger()
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	h.resolver = fallback.NewResolver(filepath.Join(t.TempDir(), "fallback_market_data.json"), log)

	g := guard.New(h.store, log, tracer, guard.Options{
		Now:   func() time.Time { return h.now },
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	})
	h.svc = NewMarketService(MarketServiceDeps{
		Tracer:   tracer,
		Log:      log,
		Store:    h.store,
		Guard:    g,
		Market:   h.market,
		News:     h.news,
		Fallback: h.resolver,
		Analyzer: lengthAnalyzer{},
		Config:   MarketConfig{MinCoins: 30, PageSize: 50, MaxPages: 3, PageDelay: time.Second},
	})
	h.svc.now = func() time.Time { return h.now }
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	return h
}

func coinJSON(id string, price float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"symbol":%q,"name":%q,"current_price":%v,"market_cap":1000,"market_cap_rank":1,"total_volume":10,"price_change_percentage_24h":1.5,"last_updated":"2025-01-01T00:00:00.000Z"}`,
		id, id[:3], id, price))
}

func page(prefix string, n int) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, coinJSON(prefix+"coin"+strconv.Itoa(i), float64(i+1)))
	}
	return out
}

func TestFetchMarketDataStopsAfterFirstPage(t *testing.T) {
	h := newHarness(t)
	h.market.pages = [][]json.RawMessage{page("a", 50), page("b", 50), page("c", 50)}

	snap := h.svc.FetchMarketData(context.Background(), false, 30)
	if len(snap) != 50 {
		t.Fatalf("expected 50 coins, got %d", len(snap))
	}
	if h.market.pageCalls != 1 {
		t.Fatalf("expected a single page request, got %d", h.market.pageCalls)
	}
	if len(h.delays) != 0 {
		t.Fatalf("no inter-page delay expected, got %v", h.delays)
	}

	saved, err := h.resolver.LoadMarketData()
	if err != nil || len(saved) != 50 {
		t.Fatalf("expected snapshot file with 50 coins, got %d err=%v", len(saved), err)
	}
	var cached domain.MarketSnapshot
	if state, _ := cache.ReadSnapshot(context.Background(), h.store, KeyMarketData, &cached, time.Minute, h.now); state != cache.Fresh {
		t.Fatalf("expected fresh market_data cache, got %s", state)
	}
}

func TestFetchMarketDataPaginatesUntilMinCoins(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.PageSize = 20
	h.market.pages = [][]json.RawMessage{page("a", 20), page("b", 20), page("c", 20)}

	snap := h.svc.FetchMarketData(context.Background(), false, 30)
	if len(snap) != 40 || h.market.pageCalls != 2 {
		t.Fatalf("expected 40 coins from 2 pages, got %d from %d", len(snap), h.market.pageCalls)
	}
	if len(h.delays) != 1 || h.delays[0] != time.Second {
		t.Fatalf("expected one inter-page delay, got %v", h.delays)
	}
	if h.market.requestedPP[0] != 20 {
		t.Fatalf("expected configured page size, got %v", h.market.requestedPP)
	}
}

func TestFetchMarketDataPageCap(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.PageSize = 5
	h.market.pages = [][]json.RawMessage{page("a", 5), page("b", 5), page("c", 5), page("d", 5)}

	snap := h.svc.FetchMarketData(context.Background(), false, 100)
	if len(snap) != 15 || h.market.pageCalls != 3 {
		t.Fatalf("expected 15 coins from 3 pages, got %d from %d", len(snap), h.market.pageCalls)
	}
}

func TestFetchMarketDataNormalizesAndSkipsMalformed(t *testing.T) {
	h := newHarness(t)
	h.market.pages = [][]json.RawMessage{{
		json.RawMessage(`{"id":"Bitcoin","symbol":"btc","name":"Bitcoin","current_price":97000.123456789,"market_cap_rank":1}`),
		json.RawMessage(`{"symbol":"x","current_price":1}`),
		json.RawMessage(`{"id":"nullcoin","current_price":null}`),
		json.RawMessage(`{"id":"weird","current_price":"not-a-number"}`),
		json.RawMessage(`{"id":"ethereum","symbol":"eth","current_price":2500}`),
	}}

	snap := h.svc.FetchMarketData(context.Background(), false, 30)
	if len(snap) != 2 {
		t.Fatalf("expected 2 valid coins, got %v", snap.IDs())
	}
	btc := snap["bitcoin"]
	if !btc.Price.Equal(decimal.RequireFromString("97000.12345679")) {
		t.Fatalf("expected price rounded to 8 places, got %s", btc.Price)
	}
	if btc.Symbol != "BTC" || btc.SentimentLabel != domain.SentimentNeutral || *btc.MarketCapRank != 1 {
		t.Fatalf("unexpected bitcoin record: %+v", btc)
	}
	eth := snap["ethereum"]
	if !eth.Volume24h.IsZero() || !eth.MarketCap.IsZero() || !eth.Change24h.IsZero() {
		t.Fatalf("missing numeric fields must default to zero: %+v", eth)
	}
	if eth.MarketCapRank != nil {
		t.Fatal("absent rank should stay absent")
	}
	for id, coin := range snap {
		if coin.Price.IsZero() {
			t.Fatalf("%s has no price", id)
		}
	}
}

func TestFetchMarketDataFreshnessWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cached := domain.MarketSnapshot{}
	for i := 0; i < 40; i++ {
		cached["cached"+strconv.Itoa(i)] = domain.CoinMarket{Price: decimal.NewFromInt(1)}
	}
	h.market.pages = [][]json.RawMessage{page("a", 50)}

	_ = cache.WriteSnapshot(ctx, h.store, KeyMarketData, cached, time.Hour, h.now.Add(-299*time.Second))
	if snap := h.svc.FetchMarketData(ctx, false, 30); len(snap) != 40 || h.market.pageCalls != 0 {
		t.Fatalf("expected cached snapshot without network, got %d coins after %d calls", len(snap), h.market.pageCalls)
	}

	_ = cache.WriteSnapshot(ctx, h.store, KeyMarketData, cached, time.Hour, h.now.Add(-301*time.Second))
	if snap := h.svc.FetchMarketData(ctx, false, 30); len(snap) != 50 || h.market.pageCalls != 1 {
		t.Fatalf("a 301s old entry must not be served as fresh, got %d coins after %d calls", len(snap), h.market.pageCalls)
	}
}

func TestFetchMarketDataCacheBelowMinCoins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = cache.WriteSnapshot(ctx, h.store, KeyMarketData, domain.MarketSnapshot{"bitcoin": {Price: decimal.NewFromInt(1)}}, time.Hour, h.now)
	h.market.pages = [][]json.RawMessage{page("a", 50)}

	if snap := h.svc.FetchMarketData(ctx, false, 30); len(snap) != 50 {
		t.Fatalf("expected refetch when cache is too small, got %d", len(snap))
	}
}

func TestFetchMarketDataDiagnosticBypassesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cached := domain.MarketSnapshot{}
	for i := 0; i < 40; i++ {
		cached["cached"+strconv.Itoa(i)] = domain.CoinMarket{Price: decimal.NewFromInt(1)}
	}
	_ = cache.WriteSnapshot(ctx, h.store, KeyMarketData, cached, time.Hour, h.now)
	h.market.pages = [][]json.RawMessage{page("a", 50)}

	if snap := h.svc.FetchMarketData(ctx, true, 30); len(snap) != 50 || h.market.pageCalls != 1 {
		t.Fatalf("diagnostic mode must hit the network, got %d coins after %d calls", len(snap), h.market.pageCalls)
	}
}

func TestFetchMarketDataEmergencyFallback(t *testing.T) {
	h := newHarness(t)
	h.market.pageErr = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	snap := h.svc.FetchMarketData(context.Background(), false, 30)
	if len(snap) != 2 || !snap.IsFallback() {
		t.Fatalf("expected the two emergency records, got %v", snap.IDs())
	}
	if !snap["bitcoin"].Price.Equal(decimal.NewFromInt(60000)) || !snap["ethereum"].Price.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("unexpected emergency prices: %+v", snap)
	}
	if h.market.pageCalls != 3 {
		t.Fatalf("expected network errors to be retried 3 times, got %d", h.market.pageCalls)
	}
}

func TestFetchMarketDataForbiddenServesSnapshotFile(t *testing.T) {
	h := newHarness(t)
	if err := h.resolver.SaveMarketData(domain.MarketSnapshot{"solana": {Price: decimal.NewFromInt(150), LastUpdated: "2025-01-01T00:00:00Z"}}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	h.market.pageErr = &provider.APIError{Provider: "coingecko", StatusCode: http.StatusForbidden}

	snap := h.svc.FetchMarketData(context.Background(), false, 30)
	if h.market.pageCalls != 1 {
		t.Fatalf("403 must not be retried, got %d calls", h.market.pageCalls)
	}
	if _, ok := snap["solana"]; !ok || snap.IsFallback() {
		t.Fatalf("expected the persisted snapshot, got %v", snap.IDs())
	}
}

func TestFetchValidCoins(t *testing.T) {
	h := newHarness(t)
	h.market.coins = []provider.CoinListEntry{{ID: "Bitcoin"}, {ID: "ETHEREUM"}, {ID: ""}}

	coins := h.svc.FetchValidCoins(context.Background())
	if coins.Len() != 2 || !coins.Contains("bitcoin") || !coins.Contains("ethereum") {
		t.Fatalf("unexpected coins: %v", coins.Sorted())
	}
	_ = h.svc.FetchValidCoins(context.Background())
	if h.market.coinCalls != 1 {
		t.Fatalf("expected the second call to hit the cache, got %d provider calls", h.market.coinCalls)
	}
}

func TestFetchValidCoinsNeverEmpty(t *testing.T) {
	h := newHarness(t)
	h.market.coins = []provider.CoinListEntry{}

	coins := h.svc.FetchValidCoins(context.Background())
	if coins.Len() != 5 {
		t.Fatalf("expected the five-coin fallback, got %v", coins.Sorted())
	}
	for _, id := range []string{"bitcoin", "ethereum", "binancecoin", "cardano", "solana"} {
		if !coins.Contains(id) {
			t.Fatalf("fallback missing %s", id)
		}
	}

	h2 := newHarness(t)
	h2.market.coinErr = &provider.APIError{Provider: "coingecko", StatusCode: http.StatusUnauthorized}
	if coins := h2.svc.FetchValidCoins(context.Background()); coins.Len() != 5 {
		t.Fatalf("expected the five-coin fallback on auth failure, got %v", coins.Sorted())
	}
}

func TestFetchNewsDisabled(t *testing.T) {
	h := newHarness(t)
	news := h.svc.FetchNews(context.Background())
	if news == nil || len(news) != 0 || h.news.calls != 0 {
		t.Fatalf("expected empty news without provider calls, got %v after %d calls", news, h.news.calls)
	}
}

func TestFetchNewsScoresAndCaches(t *testing.T) {
	h := newHarness(t)
	h.news.enabled = true
	h.news.items = []provider.NewsItem{
		{Title: "abcd", Description: "efgh", URL: "https://x/1", PublishedAt: "2023-11-14T20:00:00Z"},
		{Title: "ab", Description: "", URL: "https://x/2", PublishedAt: "garbage"},
	}

	news := h.svc.FetchNews(context.Background())
	if len(news) != 2 || news[0].URL != "https://x/1" {
		t.Fatalf("unexpected news order: %+v", news)
	}
	if news[0].Sentiment.Score != 0.9 || news[1].Sentiment.Score != 0.3 {
		t.Fatalf("unexpected scores: %+v %+v", news[0].Sentiment, news[1].Sentiment)
	}
	if !news[1].PublishedAt.IsZero() {
		t.Fatal("unparseable publish time should be zero")
	}
	if !h.news.from.Equal(h.now.Add(-24 * time.Hour)) {
		t.Fatalf("expected a 24h lookback, got %s", h.news.from)
	}

	_ = h.svc.FetchNews(context.Background())
	if h.news.calls != 1 {
		t.Fatalf("expected cached news on the second call, got %d provider calls", h.news.calls)
	}
}

func TestFetchSentiment(t *testing.T) {
	h := newHarness(t)
	h.news.enabled = true
	h.news.items = []provider.NewsItem{
		{Title: "abcd", Description: "efgh"}, // 0.9
		{Title: "ab", Description: ""},       // 0.3
	}

	got := h.svc.FetchSentiment(context.Background())
	if got.Score != 0.6 || got.Label != domain.SentimentPositive {
		t.Fatalf("unexpected aggregate sentiment: %+v", got)
	}
}

func TestFetchSentimentNeutralWithoutNews(t *testing.T) {
	h := newHarness(t)
	got := h.svc.FetchSentiment(context.Background())
	if got != domain.NeutralSentiment() {
		t.Fatalf("expected neutral sentiment, got %+v", got)
	}
}

func TestSearchMarket(t *testing.T) {
	h := newHarness(t)
	h.market.pages = [][]json.RawMessage{{coinJSON("bitcoin", 97000), coinJSON("ethereum", 2500)}}
	h.market.coins = []provider.CoinListEntry{{ID: "bitcoin"}, {ID: "bitcoin-cash"}, {ID: "ethereum"}}

	result := h.svc.SearchMarket(context.Background(), "BitCoin")
	if len(result) != 2 {
		t.Fatalf("expected two matches, got %v", result.IDs())
	}
	if !result["bitcoin"].Price.Equal(decimal.NewFromInt(97000)) {
		t.Fatalf("expected snapshot record for bitcoin, got %+v", result["bitcoin"])
	}
	if cash := result["bitcoin-cash"]; !cash.Price.IsZero() || cash.SentimentLabel != domain.SentimentNeutral {
		t.Fatalf("expected zero-valued record for bitcoin-cash, got %+v", cash)
	}

	if all := h.svc.SearchMarket(context.Background(), " "); len(all) != 2 {
		t.Fatalf("empty query should return the snapshot, got %v", all.IDs())
	}
}

func TestLookupPrices(t *testing.T) {
	h := newHarness(t)
	h.market.pages = [][]json.RawMessage{{coinJSON("bitcoin", 97000)}}
	h.market.prices = map[string]provider.SimplePrice{
		"pepe": {USD: decimal.RequireFromString("0.000012345678912"), LastUpdated: 1_700_000_000},
	}

	result := h.svc.LookupPrices(context.Background(), []string{"Bitcoin", "pepe", "nosuchcoin"})
	if len(result) != 2 {
		t.Fatalf("expected two priced coins, got %v", result.IDs())
	}
	if len(h.market.priceCalls) != 1 || len(h.market.priceCalls[0]) != 2 {
		t.Fatalf("expected one batch lookup for the missing ids, got %v", h.market.priceCalls)
	}
	if !result["pepe"].Price.Equal(decimal.RequireFromString("0.00001235")) {
		t.Fatalf("unexpected pepe price %s", result["pepe"].Price)
	}
}

func TestLookupPricesSkipsWhenRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.pages = [][]json.RawMessage{{coinJSON("bitcoin", 97000)}}
	_ = h.svc.FetchMarketData(ctx, false, 0)

	until := strconv.FormatInt(h.now.Add(time.Minute).Unix(), 10)
	_ = h.store.Set(ctx, guard.RateLimitKey(config.OpMarketData), []byte(until), time.Hour)

	result := h.svc.LookupPrices(ctx, []string{"bitcoin", "pepe"})
	if len(h.market.priceCalls) != 0 {
		t.Fatal("no lookup expected while rate limited")
	}
	if _, ok := result["bitcoin"]; !ok {
		t.Fatalf("expected cached bitcoin, got %v", result.IDs())
	}
}

func TestLookupPricesRecordsRateLimitMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.pages = [][]json.RawMessage{{coinJSON("bitcoin", 97000)}}
	h.market.priceErr = &provider.APIError{
		Provider:   "coingecko",
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"120"}},
	}

	result := h.svc.LookupPrices(ctx, []string{"bitcoin", "pepe"})
	if _, ok := result["bitcoin"]; !ok || len(result) != 1 {
		t.Fatalf("expected only the snapshot coin, got %v", result.IDs())
	}

	state, err := h.svc.GuardStates(ctx)
	if err != nil {
		t.Fatalf("guard states: %v", err)
	}
	var marked bool
	for _, st := range state {
		if st.Operation == config.OpMarketData && st.RateLimited {
			marked = true
		}
	}
	if !marked {
		t.Fatalf("expected market data to be rate limited after a 429, got %+v", state)
	}

	_ = h.svc.LookupPrices(ctx, []string{"pepe"})
	if len(h.market.priceCalls) != 1 {
		t.Fatalf("second lookup should be skipped, got %d calls", len(h.market.priceCalls))
	}
}

func TestClearCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.pages = [][]json.RawMessage{page("a", 50)}
	_ = h.svc.FetchMarketData(ctx, false, 30)

	if err := h.svc.ClearCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, key := range []string{KeyMarketData, cache.TimestampKey(KeyMarketData), guard.CacheKey(config.OpMarketData)} {
		if _, present, _ := h.store.Get(ctx, key); present {
			t.Fatalf("key %s survived clear", key)
		}
	}

	states, err := h.svc.GuardStates(ctx)
	if err != nil || len(states) != 4 {
		t.Fatalf("unexpected guard states %v err=%v", states, err)
	}
}
