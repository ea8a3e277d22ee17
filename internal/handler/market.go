package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"crypto-tracker/internal/domain"
)

const maxMinCoins = 250

type MarketDataResponse struct {
	MarketData domain.MarketSnapshot  `json:"market_data"`
	Sentiment  domain.SentimentResult `json:"sentiment"`
}

type CoinValidationResponse struct {
	Coin    string `json:"coin"`
	Valid   bool   `json:"valid"`
	Skipped bool   `json:"validation_skipped"`
}

// GetMarketData godoc
// @Summary      Market snapshot with overall news sentiment
// @Description  Serves the cached snapshot when fresh. FALLBACK records in last_updated are not live prices.
// @Tags         market
// @Produce      json
// @Param        search      query  string  false  "Substring filter over coin ids (max 50 results)"
// @Param        min_coins   query  int     false  "Minimum number of coins to collect"
// @Param        diagnostic  query  bool    false  "Bypass the cached snapshot"
// @Success      200  {object}  MarketDataResponse
// @Failure      400  {object}  map[string]string
// @Router       /api/market-data [get]
func (h *Handler) GetMarketData(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-market-data")
	defer span.End()

	minCoins := h.market.MinCoins()
	if raw := c.Query("min_coins"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMinCoins {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_coins must be between 1 and 250"})
			return
		}
		minCoins = n
	}
	diagnostic := false
	if raw := c.Query("diagnostic"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "diagnostic must be a boolean"})
			return
		}
		diagnostic = v
	}

	search := strings.TrimSpace(c.Query("search"))
	span.SetAttributes(attribute.String("search", search), attribute.Int("min_coins", minCoins))

	var snapshot domain.MarketSnapshot
	if search != "" {
		snapshot = h.market.SearchMarket(ctx, search)
	} else {
		snapshot = h.market.FetchMarketData(ctx, diagnostic, minCoins)
	}
	if snapshot == nil {
		snapshot = domain.MarketSnapshot{}
	}

	c.JSON(http.StatusOK, MarketDataResponse{
		MarketData: snapshot,
		Sentiment:  h.market.FetchSentiment(ctx),
	})
}

// GetValidCoins godoc
// @Summary      Known coin identifiers
// @Tags         coins
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/coins/valid [get]
func (h *Handler) GetValidCoins(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-valid-coins")
	defer span.End()

	coins := h.market.FetchValidCoins(ctx)
	c.JSON(http.StatusOK, gin.H{"count": coins.Len(), "coins": coins.Sorted()})
}

// ValidateCoin godoc
// @Summary      Check a coin identifier against the known set
// @Tags         coins
// @Produce      json
// @Param        coin  path  string  true  "Coin id (e.g. bitcoin)"
// @Success      200  {object}  CoinValidationResponse
// @Router       /api/coins/validate/{coin} [get]
func (h *Handler) ValidateCoin(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.validate-coin")
	defer span.End()

	coin := strings.ToLower(strings.TrimSpace(c.Param("coin")))
	span.SetAttributes(attribute.String("coin", coin))

	valid, skipped := h.market.FetchValidCoins(ctx).Validate(coin)
	c.JSON(http.StatusOK, CoinValidationResponse{Coin: coin, Valid: valid, Skipped: skipped})
}

// GetNews godoc
// @Summary      Recent crypto news with per-article sentiment
// @Tags         news
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/news [get]
func (h *Handler) GetNews(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-news")
	defer span.End()

	articles := h.market.FetchNews(ctx)
	if articles == nil {
		articles = []domain.NewsArticle{}
	}
	c.JSON(http.StatusOK, gin.H{"articles": articles})
}

// GetSentiment godoc
// @Summary      Aggregate news sentiment
// @Tags         news
// @Produce      json
// @Success      200  {object}  domain.SentimentResult
// @Router       /api/sentiment [get]
func (h *Handler) GetSentiment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-sentiment")
	defer span.End()

	c.JSON(http.StatusOK, h.market.FetchSentiment(ctx))
}
