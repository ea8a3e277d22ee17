package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const coingeckoName = "coingecko"

// CoinGeckoProvider talks to the CoinGecko v3 API. Rate limiting is left to
// the caller.
type CoinGeckoProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	tracer  trace.Tracer
}

func NewCoinGeckoProvider(tracer trace.Tracer, cfg Config) *CoinGeckoProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.coingecko.com/api/v3"
	}
	return &CoinGeckoProvider{
		client:  newHTTPClient(cfg.Timeout),
		baseURL: base,
		apiKey:  cfg.APIKey,
		tracer:  tracer,
	}
}

// FetchMarketsPage returns one page of /coins/markets ordered by market cap.
// Entries are left undecoded so callers can skip malformed ones individually.
func (p *CoinGeckoProvider) FetchMarketsPage(ctx context.Context, page, perPage int) ([]json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "coingecko.fetch-markets-page")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page), attribute.Int("per_page", perPage))

	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "1h,24h,7d")

	body, err := p.get(ctx, "/coins/markets", q)
	if err != nil {
		return nil, fmt.Errorf("fetch markets page %d: %w", page, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse markets page %d: %w", page, err)
	}
	return entries, nil
}

type CoinListEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// FetchCoinList returns the full /coins/list catalog.
func (p *CoinGeckoProvider) FetchCoinList(ctx context.Context) ([]CoinListEntry, error) {
	ctx, span := p.tracer.Start(ctx, "coingecko.fetch-coin-list")
	defer span.End()

	body, err := p.get(ctx, "/coins/list", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch coin list: %w", err)
	}

	var entries []CoinListEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse coin list: %w", err)
	}
	return entries, nil
}

type SimplePrice struct {
	USD          decimal.Decimal `json:"usd"`
	USDMarketCap decimal.Decimal `json:"usd_market_cap"`
	USD24hVol    decimal.Decimal `json:"usd_24h_vol"`
	USD24hChange decimal.Decimal `json:"usd_24h_change"`
	LastUpdated  int64           `json:"last_updated_at"`
}

// FetchSimplePrices prices arbitrary coin ids in one call. Unknown ids are
// absent from the result.
func (p *CoinGeckoProvider) FetchSimplePrices(ctx context.Context, ids []string) (map[string]SimplePrice, error) {
	ctx, span := p.tracer.Start(ctx, "coingecko.fetch-simple-prices")
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(ids)))

	if len(ids) == 0 {
		return map[string]SimplePrice{}, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")
	q.Set("include_last_updated_at", "true")

	body, err := p.get(ctx, "/simple/price", q)
	if err != nil {
		return nil, fmt.Errorf("fetch simple prices: %w", err)
	}

	var prices map[string]SimplePrice
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, fmt.Errorf("parse simple prices: %w", err)
	}
	return prices, nil
}

// Ping checks that the API answers at all.
func (p *CoinGeckoProvider) Ping(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "coingecko.ping")
	defer span.End()

	_, err := p.get(ctx, "/ping", nil)
	return err
}

func (p *CoinGeckoProvider) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := p.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	header := http.Header{}
	if p.apiKey != "" {
		header.Set("x-cg-demo-api-key", p.apiKey)
	}
	return doRequest(ctx, p.client, coingeckoName, u, header)
}
