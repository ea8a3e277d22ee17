package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxPriceIDs         = 100
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// GetPrices godoc
// @Summary      Batch price lookup
// @Description  Prices come from the cached snapshot first, then the provider for the rest.
// @Tags         prices
// @Produce      json
// @Param        ids  query  string  true  "Comma-separated coin ids"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/prices [get]
func (h *Handler) GetPrices(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-prices")
	defer span.End()

	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids query parameter is required"})
		return
	}
	if len(ids) > maxPriceIDs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids, max 100"})
		return
	}
	span.SetAttributes(attribute.Int("ids", len(ids)))

	c.JSON(http.StatusOK, gin.H{"prices": h.market.LookupPrices(ctx, ids)})
}

// GetHistory godoc
// @Summary      Recorded price history for a coin
// @Tags         prices
// @Produce      json
// @Param        coin   path   string  true   "Coin id (e.g. bitcoin)"
// @Param        limit  query  int     false  "Number of points (default 100, max 1000)"  default(100)
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/history/{coin} [get]
func (h *Handler) GetHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-history")
	defer span.End()

	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price history is not configured"})
		return
	}

	coin := strings.ToLower(strings.TrimSpace(c.Param("coin")))
	span.SetAttributes(attribute.String("coin", coin))

	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxHistoryLimit {
			limit = n
		}
	}

	points, err := h.history.GetHistory(ctx, coin, limit)
	if err != nil {
		span.RecordError(err)
		h.log.WithError(err).WithField("coin", coin).Error("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load price history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"coin": coin, "history": points})
}
