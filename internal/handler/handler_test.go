package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/guard"
)

type stubMarket struct {
	snapshot   domain.MarketSnapshot
	search     domain.MarketSnapshot
	coins      domain.CoinSet
	news       []domain.NewsArticle
	sentiment  domain.SentimentResult
	prices     domain.MarketSnapshot
	states     []guard.State
	clearErr   error
	minCoins   int
	lastMin    int
	lastDiag   bool
	lastQuery  string
	lastIDs    []string
	clearCalls int
}

func (s *stubMarket) FetchMarketData(ctx context.Context, diagnostic bool, minCoins int) domain.MarketSnapshot {
	s.lastDiag, s.lastMin = diagnostic, minCoins
	return s.snapshot
}

func (s *stubMarket) FetchValidCoins(ctx context.Context) domain.CoinSet { return s.coins }

func (s *stubMarket) FetchNews(ctx context.Context) []domain.NewsArticle { return s.news }

func (s *stubMarket) FetchSentiment(ctx context.Context) domain.SentimentResult { return s.sentiment }

func (s *stubMarket) SearchMarket(ctx context.Context, query string) domain.MarketSnapshot {
	s.lastQuery = query
	return s.search
}

func (s *stubMarket) LookupPrices(ctx context.Context, ids []string) domain.MarketSnapshot {
	s.lastIDs = ids
	return s.prices
}

func (s *stubMarket) ClearCache(ctx context.Context) error {
	s.clearCalls++
	return s.clearErr
}

func (s *stubMarket) GuardStates(ctx context.Context) ([]guard.State, error) { return s.states, nil }

func (s *stubMarket) MinCoins() int { return s.minCoins }

type stubHistory struct {
	points    []domain.PricePoint
	err       error
	lastCoin  string
	lastLimit int
}

func (s *stubHistory) GetHistory(ctx context.Context, coin string, limit int) ([]domain.PricePoint, error) {
	s.lastCoin, s.lastLimit = coin, limit
	return s.points, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T, market *stubMarket, adminKey string, configure func(h *Handler)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logtest.NewNullLogger()
	h := New(trace.NewNoopTracerProvider().Tracer("handler-test"), log, market, cache.NewMemoryStore())
	if configure != nil {
		configure(h)
	}
	r := gin.New()
	h.RegisterRoutes(r, adminKey)
	return r
}

func serve(r *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func sampleSnapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		"bitcoin": {
			Price:          decimal.RequireFromString("64000.12345678"),
			Symbol:         "BTC",
			LastUpdated:    time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
			SentimentLabel: domain.SentimentNeutral,
		},
	}
}

var errStub = errors.New("stub failure")

func TestMetricsRoute(t *testing.T) {
	r := newTestRouter(t, &stubMarket{}, "", nil)
	w := serve(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTickerRouteOnlyWhenConfigured(t *testing.T) {
	r := newTestRouter(t, &stubMarket{}, "", nil)
	if w := serve(r, http.MethodGet, "/ws/ticker", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without ticker, got %d", w.Code)
	}

	called := false
	r = newTestRouter(t, &stubMarket{}, "", func(h *Handler) {
		h.SetTicker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		}))
	})
	if w := serve(r, http.MethodGet, "/ws/ticker", nil); w.Code != http.StatusTeapot || !called {
		t.Fatalf("expected ticker handler, got %d", w.Code)
	}
}

func TestWPAdminPathsBlocked(t *testing.T) {
	r := newTestRouter(t, &stubMarket{}, "", nil)

	for _, path := range []string{"/wp-admin", "/wp-admin/install.php", "/wp-admin/admin-ajax.php?action=x"} {
		if w := serve(r, http.MethodGet, path, nil); w.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for %s, got %d", path, w.Code)
		}
	}
	if w := serve(r, http.MethodGet, "/health", nil); w.Code == http.StatusForbidden {
		t.Fatal("regular routes must not be blocked")
	}
}
