package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/config"
	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/guard"
	"crypto-tracker/internal/provider"
	"crypto-tracker/internal/sentiment"
)

// Cache keys written through by the fetchers, alongside their _timestamp companions.
const (
	KeyMarketData = "market_data"
	KeyValidCoins = "valid_coins"
	KeyNews       = "crypto_news"
)

const (
	marketFreshWindow = 300 * time.Second
	marketCacheTTL    = 2 * time.Hour
	validCoinsTTL     = 24 * time.Hour
	newsCacheTTL      = 2 * time.Hour
	newsPageSize      = 10
	newsLookback      = 24 * time.Hour
	maxSearchResults  = 50
)

type MarketProvider interface {
	FetchMarketsPage(ctx context.Context, page, perPage int) ([]json.RawMessage, error)
	FetchCoinList(ctx context.Context) ([]provider.CoinListEntry, error)
	FetchSimplePrices(ctx context.Context, ids []string) (map[string]provider.SimplePrice, error)
}

type NewsProvider interface {
	Enabled() bool
	FetchEverything(ctx context.Context, query string, from time.Time, pageSize int) ([]provider.NewsItem, error)
}

type FallbackSource interface {
	MarketData(ctx context.Context) domain.MarketSnapshot
	News(ctx context.Context) []domain.NewsArticle
	Sentiment(ctx context.Context) domain.SentimentResult
	ValidCoins(ctx context.Context) domain.CoinSet
	SaveMarketData(snapshot domain.MarketSnapshot) error
}

type TextAnalyzer interface {
	Analyze(text string) domain.SentimentResult
}

type MarketConfig struct {
	MinCoins  int
	PageSize  int
	MaxPages  int
	PageDelay time.Duration
	Policies  map[string]guard.Policy
}

// MarketConfigFromConfig maps process configuration onto the service's knobs.
func MarketConfigFromConfig(cfg *config.Config) MarketConfig {
	policies := make(map[string]guard.Policy, len(cfg.RetryPolicies))
	for op, p := range cfg.RetryPolicies {
		policies[op] = guard.PolicyFromConfig(p)
	}
	return MarketConfig{
		MinCoins:  cfg.MarketMinCoins,
		PageSize:  cfg.MarketPageSize,
		MaxPages:  cfg.MarketMaxPages,
		PageDelay: cfg.PageDelay(),
		Policies:  policies,
	}
}

type MarketServiceDeps struct {
	Tracer   trace.Tracer
	Log      logrus.FieldLogger
	Store    cache.Store
	Guard    *guard.Guard
	Market   MarketProvider
	News     NewsProvider
	Fallback FallbackSource
	Analyzer TextAnalyzer
	Config   MarketConfig
}

// MarketService implements the guarded market, coin, news and sentiment
// fetchers. Every exported fetch returns usable data and never an error.
type MarketService struct {
	tracer   trace.Tracer
	log      logrus.FieldLogger
	store    cache.Store
	guard    *guard.Guard
	market   MarketProvider
	news     NewsProvider
	fallback FallbackSource
	analyzer TextAnalyzer
	cfg      MarketConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMarketService(deps MarketServiceDeps) *MarketService {
	cfg := deps.Config
	if cfg.MinCoins <= 0 {
		cfg.MinCoins = 30
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]guard.Policy)
	}
	for op, p := range config.DefaultRetryPolicies() {
		if _, ok := cfg.Policies[op]; !ok {
			cfg.Policies[op] = guard.PolicyFromConfig(p)
		}
	}
	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = sentiment.NewAnalyzer(nil)
	}
	return &MarketService{
		tracer:   deps.Tracer,
		log:      deps.Log,
		store:    deps.Store,
		guard:    deps.Guard,
		market:   deps.Market,
		news:     deps.News,
		fallback: deps.Fallback,
		analyzer: analyzer,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (s *MarketService) MinCoins() int { return s.cfg.MinCoins }

// FetchMarketData returns at least minCoins coins when the provider allows it.
// diagnostic skips the fresh-cache fast path and always attempts the network.
// A non-positive minCoins uses the configured default.
func (s *MarketService) FetchMarketData(ctx context.Context, diagnostic bool, minCoins int) domain.MarketSnapshot {
	ctx, span := s.tracer.Start(ctx, "market-service.fetch-market-data")
	defer span.End()

	if minCoins <= 0 {
		minCoins = s.cfg.MinCoins
	}
	span.SetAttributes(attribute.Bool("diagnostic", diagnostic), attribute.Int("min_coins", minCoins))

	if !diagnostic {
		var cached domain.MarketSnapshot
		state, err := cache.ReadSnapshot(ctx, s.store, KeyMarketData, &cached, marketFreshWindow, s.now())
		if err != nil {
			s.log.WithError(err).Warn("market data cache unreadable")
		}
		if state == cache.Fresh && len(cached) >= minCoins {
			s.log.WithField("coins", len(cached)).Debug("using cached market data")
			return cached
		}
	}

	return guard.Run(ctx, s.guard, guard.Operation[domain.MarketSnapshot]{
		Name:     config.OpMarketData,
		Policy:   s.cfg.Policies[config.OpMarketData],
		Fetch:    func(ctx context.Context) (domain.MarketSnapshot, error) { return s.fetchMarketPages(ctx, minCoins) },
		Fallback: s.fallback.MarketData,
		Empty:    func(m domain.MarketSnapshot) bool { return len(m) == 0 },
	})
}

func (s *MarketService) fetchMarketPages(ctx context.Context, minCoins int) (domain.MarketSnapshot, error) {
	snapshot := make(domain.MarketSnapshot)
	var skipped []string

	for page := 1; len(snapshot) < minCoins && page <= s.cfg.MaxPages; page++ {
		if page > 1 {
			if err := s.sleep(ctx, s.cfg.PageDelay); err != nil {
				return nil, err
			}
		}
		entries, err := s.market.FetchMarketsPage(ctx, page, s.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		for _, raw := range entries {
			id, coin, ok := normalizeMarketEntry(raw)
			if !ok {
				skipped = append(skipped, id)
				continue
			}
			if _, exists := snapshot[id]; exists {
				continue
			}
			snapshot[id] = coin
		}
		if len(entries) < s.cfg.PageSize {
			break
		}
	}

	if len(skipped) > 0 {
		s.log.WithField("skipped", skipped).Warn("skipped malformed market entries")
	}
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("market data: %w", guard.ErrNoData)
	}

	if err := s.fallback.SaveMarketData(snapshot); err != nil {
		s.log.WithError(err).Error("failed to save fallback snapshot")
	}
	if err := cache.WriteSnapshot(ctx, s.store, KeyMarketData, snapshot, marketCacheTTL, s.now()); err != nil {
		s.log.WithError(err).Warn("failed to cache market data")
	}
	return snapshot, nil
}

type marketEntry struct {
	ID                       *string             `json:"id"`
	Symbol                   string              `json:"symbol"`
	Name                     string              `json:"name"`
	CurrentPrice             decimal.NullDecimal `json:"current_price"`
	PriceChangePercentage24h decimal.NullDecimal `json:"price_change_percentage_24h"`
	TotalVolume              decimal.NullDecimal `json:"total_volume"`
	MarketCap                decimal.NullDecimal `json:"market_cap"`
	MarketCapRank            *int                `json:"market_cap_rank"`
	LastUpdated              string              `json:"last_updated"`
}

// normalizeMarketEntry reports ok=false for entries without an id or price.
// The returned id is "unknown" when the entry could not be identified.
func normalizeMarketEntry(raw json.RawMessage) (string, domain.CoinMarket, bool) {
	var e marketEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "unknown", domain.CoinMarket{}, false
	}
	if e.ID == nil || strings.TrimSpace(*e.ID) == "" {
		return "unknown", domain.CoinMarket{}, false
	}
	id := strings.ToLower(strings.TrimSpace(*e.ID))
	if !e.CurrentPrice.Valid {
		return id, domain.CoinMarket{}, false
	}
	return id, domain.CoinMarket{
		Price:          domain.RoundDecimal(e.CurrentPrice.Decimal),
		Change24h:      domain.RoundDecimal(e.PriceChangePercentage24h.Decimal),
		Volume24h:      domain.RoundDecimal(e.TotalVolume.Decimal),
		MarketCap:      domain.RoundDecimal(e.MarketCap.Decimal),
		MarketCapRank:  e.MarketCapRank,
		Symbol:         strings.ToUpper(e.Symbol),
		DisplayName:    e.Name,
		LastUpdated:    e.LastUpdated,
		SentimentLabel: domain.SentimentNeutral,
	}, true
}

// FetchValidCoins returns the coin-id vocabulary, never empty.
func (s *MarketService) FetchValidCoins(ctx context.Context) domain.CoinSet {
	ctx, span := s.tracer.Start(ctx, "market-service.fetch-valid-coins")
	defer span.End()

	var cached domain.CoinSet
	state, err := cache.ReadSnapshot(ctx, s.store, KeyValidCoins, &cached, validCoinsTTL, s.now())
	if err != nil {
		s.log.WithError(err).Warn("valid coins cache unreadable")
	}
	if state == cache.Fresh && cached.Len() > 0 {
		return cached
	}

	return guard.Run(ctx, s.guard, guard.Operation[domain.CoinSet]{
		Name:     config.OpValidCoins,
		Policy:   s.cfg.Policies[config.OpValidCoins],
		Fetch:    s.fetchCoinList,
		Fallback: s.fallback.ValidCoins,
		Empty:    func(c domain.CoinSet) bool { return c.Len() == 0 },
	})
}

func (s *MarketService) fetchCoinList(ctx context.Context) (domain.CoinSet, error) {
	entries, err := s.market.FetchCoinList(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	coins := domain.NewCoinSet(ids...)
	if coins.Len() == 0 {
		return nil, fmt.Errorf("coin list: %w", guard.ErrNoData)
	}
	if err := cache.WriteSnapshot(ctx, s.store, KeyValidCoins, coins, validCoinsTTL, s.now()); err != nil {
		s.log.WithError(err).Warn("failed to cache valid coins")
	}
	return coins, nil
}

// FetchNews returns recent articles newest first, possibly empty.
func (s *MarketService) FetchNews(ctx context.Context) []domain.NewsArticle {
	ctx, span := s.tracer.Start(ctx, "market-service.fetch-news")
	defer span.End()

	var cached []domain.NewsArticle
	state, err := cache.ReadSnapshot(ctx, s.store, KeyNews, &cached, newsCacheTTL, s.now())
	if err != nil {
		s.log.WithError(err).Warn("news cache unreadable")
	}
	if state == cache.Fresh && len(cached) > 0 {
		return cached
	}
	if s.news == nil || !s.news.Enabled() {
		s.log.Warn("news provider not configured")
		return []domain.NewsArticle{}
	}

	return guard.Run(ctx, s.guard, guard.Operation[[]domain.NewsArticle]{
		Name:     config.OpNews,
		Policy:   s.cfg.Policies[config.OpNews],
		Fetch:    s.fetchNews,
		Fallback: s.fallback.News,
		Empty:    func(a []domain.NewsArticle) bool { return len(a) == 0 },
	})
}

func (s *MarketService) fetchNews(ctx context.Context) ([]domain.NewsArticle, error) {
	items, err := s.news.FetchEverything(ctx, provider.DefaultNewsQuery, s.now().Add(-newsLookback), newsPageSize)
	if err != nil {
		return nil, err
	}

	articles := make([]domain.NewsArticle, 0, len(items))
	for _, item := range items {
		published, err := time.Parse(time.RFC3339, item.PublishedAt)
		if err != nil {
			s.log.WithField("url", item.URL).Debug("article without a parseable publish time")
		}
		articles = append(articles, domain.NewsArticle{
			Title:       item.Title,
			Description: item.Description,
			URL:         item.URL,
			PublishedAt: published,
			Sentiment:   s.analyzer.Analyze(item.Title + " " + item.Description),
		})
	}

	if len(articles) > 0 {
		if err := cache.WriteSnapshot(ctx, s.store, KeyNews, articles, newsCacheTTL, s.now()); err != nil {
			s.log.WithError(err).Warn("failed to cache news")
		}
	}
	return articles, nil
}

// FetchSentiment averages per-article sentiment, neutral when there is no news.
func (s *MarketService) FetchSentiment(ctx context.Context) domain.SentimentResult {
	ctx, span := s.tracer.Start(ctx, "market-service.fetch-sentiment")
	defer span.End()

	return guard.Run(ctx, s.guard, guard.Operation[domain.SentimentResult]{
		Name:   config.OpSentiment,
		Policy: s.cfg.Policies[config.OpSentiment],
		Fetch: func(ctx context.Context) (domain.SentimentResult, error) {
			articles := s.FetchNews(ctx)
			results := make([]domain.SentimentResult, 0, len(articles))
			for _, a := range articles {
				results = append(results, a.Sentiment)
			}
			agg, ok := sentiment.Aggregate(results)
			if !ok {
				return agg, fmt.Errorf("sentiment: %w", guard.ErrNoData)
			}
			return agg, nil
		},
		Fallback: s.fallback.Sentiment,
	})
}

// SearchMarket returns up to 50 coins whose id contains query, taking records
// from the current snapshot and zero-valued records for coins it lacks.
// When the valid-coin vocabulary is empty the snapshot's own ids are searched.
func (s *MarketService) SearchMarket(ctx context.Context, query string) domain.MarketSnapshot {
	ctx, span := s.tracer.Start(ctx, "market-service.search-market")
	defer span.End()

	snapshot := s.FetchMarketData(ctx, false, 0)
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return snapshot
	}

	candidates := s.FetchValidCoins(ctx).Sorted()
	if len(candidates) == 0 {
		candidates = snapshot.IDs()
	}

	result := make(domain.MarketSnapshot)
	for _, id := range candidates {
		if len(result) >= maxSearchResults {
			break
		}
		if !strings.Contains(id, query) {
			continue
		}
		coin, ok := snapshot[id]
		if !ok {
			coin = domain.CoinMarket{SentimentLabel: domain.SentimentNeutral}
		}
		result[id] = coin
	}
	return result
}

// LookupPrices prices ids from the snapshot first and asks the provider only
// for the rest. Coins the provider does not know are omitted.
func (s *MarketService) LookupPrices(ctx context.Context, ids []string) domain.MarketSnapshot {
	ctx, span := s.tracer.Start(ctx, "market-service.lookup-prices")
	defer span.End()

	snapshot := s.FetchMarketData(ctx, false, 0)
	result := make(domain.MarketSnapshot, len(ids))
	var missing []string
	for _, id := range domain.NewCoinSet(ids...).Sorted() {
		if coin, ok := snapshot[id]; ok {
			result[id] = coin
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result
	}

	if state, err := s.guard.Snapshot(ctx, config.OpMarketData); err == nil && state.RateLimited {
		s.log.WithField("missing", missing).Warn("provider rate limited, skipping price lookup")
		return result
	}

	prices, err := s.market.FetchSimplePrices(ctx, missing)
	if err != nil {
		span.RecordError(err)
		if !s.guard.NoteRateLimit(ctx, config.OpMarketData, s.cfg.Policies[config.OpMarketData], err) {
			s.log.WithError(err).WithField("missing", missing).Warn("price lookup failed")
		}
		return result
	}
	for id, p := range prices {
		last := ""
		if p.LastUpdated > 0 {
			last = time.Unix(p.LastUpdated, 0).UTC().Format(time.RFC3339)
		}
		result[strings.ToLower(id)] = domain.CoinMarket{
			Price:          domain.RoundDecimal(p.USD),
			Change24h:      domain.RoundDecimal(p.USD24hChange),
			Volume24h:      domain.RoundDecimal(p.USD24hVol),
			MarketCap:      domain.RoundDecimal(p.USDMarketCap),
			LastUpdated:    last,
			SentimentLabel: domain.SentimentNeutral,
		}
	}
	return result
}

// ClearCache drops every cached payload, timestamp, lock and rate-limit
// marker the fetchers use.
func (s *MarketService) ClearCache(ctx context.Context) error {
	for _, key := range []string{KeyMarketData, KeyValidCoins, KeyNews} {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if err := s.store.Delete(ctx, cache.TimestampKey(key)); err != nil {
			return fmt.Errorf("delete %s: %w", cache.TimestampKey(key), err)
		}
	}
	for _, op := range Operations() {
		if err := s.guard.Reset(ctx, op); err != nil {
			return fmt.Errorf("reset %s: %w", op, err)
		}
	}
	s.log.Info("cache cleared")
	return nil
}

// GuardStates reports guard bookkeeping for every fetch operation.
func (s *MarketService) GuardStates(ctx context.Context) ([]guard.State, error) {
	states := make([]guard.State, 0, 4)
	for _, op := range Operations() {
		st, err := s.guard.Snapshot(ctx, op)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func Operations() []string {
	ops := []string{config.OpMarketData, config.OpValidCoins, config.OpNews, config.OpSentiment}
	sort.Strings(ops)
	return ops
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
