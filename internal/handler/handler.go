package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/guard"
)

// MarketService is the read side of service.MarketService.
type MarketService interface {
	FetchMarketData(ctx context.Context, diagnostic bool, minCoins int) domain.MarketSnapshot
	FetchValidCoins(ctx context.Context) domain.CoinSet
	FetchNews(ctx context.Context) []domain.NewsArticle
	FetchSentiment(ctx context.Context) domain.SentimentResult
	SearchMarket(ctx context.Context, query string) domain.MarketSnapshot
	LookupPrices(ctx context.Context, ids []string) domain.MarketSnapshot
	ClearCache(ctx context.Context) error
	GuardStates(ctx context.Context) ([]guard.State, error)
	MinCoins() int
}

type HistoryReader interface {
	GetHistory(ctx context.Context, coin string, limit int) ([]domain.PricePoint, error)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	tracer  trace.Tracer
	log     logrus.FieldLogger
	market  MarketService
	store   cache.Store
	history HistoryReader
	db      Pinger
	ticker  http.Handler
}

func New(tracer trace.Tracer, log logrus.FieldLogger, market MarketService, store cache.Store) *Handler {
	return &Handler{
		tracer: tracer,
		log:    log.WithField("component", "http"),
		market: market,
		store:  store,
	}
}

// SetHistory enables /api/history. Without it the route answers 503.
func (h *Handler) SetHistory(history HistoryReader) {
	h.history = history
}

func (h *Handler) SetDatabase(db Pinger) {
	h.db = db
}

func (h *Handler) SetTicker(ticker http.Handler) {
	h.ticker = ticker
}

func (h *Handler) RegisterRoutes(r *gin.Engine, adminKey string) {
	r.Use(BlockAdminScans(h.log))

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/market-data", h.GetMarketData)
	api.GET("/coins/valid", h.GetValidCoins)
	api.GET("/coins/validate/:coin", h.ValidateCoin)
	api.GET("/news", h.GetNews)
	api.GET("/sentiment", h.GetSentiment)
	api.GET("/prices", h.GetPrices)
	api.GET("/history/:coin", h.GetHistory)

	admin := api.Group("", APIKeyAuth(adminKey, h.log))
	admin.POST("/cache/clear", h.ClearCache)
	admin.GET("/admin/guards", h.GetGuardStates)

	if h.ticker != nil {
		r.GET("/ws/ticker", gin.WrapH(h.ticker))
	}
}
