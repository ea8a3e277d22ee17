package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const newsapiName = "newsapi"

// DefaultNewsQuery is the fixed query used for market news.
const DefaultNewsQuery = "cryptocurrency OR bitcoin OR ethereum"

type NewsAPIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	tracer  trace.Tracer
}

func NewNewsAPIProvider(tracer trace.Tracer, cfg Config) *NewsAPIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://newsapi.org/v2"
	}
	return &NewsAPIProvider{
		client:  newHTTPClient(cfg.Timeout),
		baseURL: base,
		apiKey:  cfg.APIKey,
		tracer:  tracer,
	}
}

func (p *NewsAPIProvider) Enabled() bool { return p.apiKey != "" }

type NewsItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
}

type everythingResponse struct {
	Status   string     `json:"status"`
	Articles []NewsItem `json:"articles"`
}

// FetchEverything queries /everything for English articles published since
// from, newest first.
func (p *NewsAPIProvider) FetchEverything(ctx context.Context, query string, from time.Time, pageSize int) ([]NewsItem, error) {
	ctx, span := p.tracer.Start(ctx, "newsapi.fetch-everything")
	defer span.End()
	span.SetAttributes(attribute.String("query", query), attribute.Int("page_size", pageSize))

	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("language", "en")
	q.Set("sortBy", "publishedAt")
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("from", from.UTC().Format("2006-01-02"))

	header := http.Header{}
	header.Set("X-Api-Key", p.apiKey)

	body, err := doRequest(ctx, p.client, newsapiName, p.baseURL+"/everything?"+q.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("fetch news: %w", err)
	}

	var resp everythingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse news: %w", err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		return nil, fmt.Errorf("news status %q", resp.Status)
	}
	return resp.Articles, nil
}
