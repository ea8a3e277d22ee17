package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClearCache godoc
// @Summary      Drop cached market data, news, locks and rate-limit markers
// @Tags         admin
// @Produce      json
// @Security     ApiKeyAuth
// @Success      200  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/cache/clear [post]
func (h *Handler) ClearCache(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.clear-cache")
	defer span.End()

	if err := h.market.ClearCache(ctx); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// GetGuardStates godoc
// @Summary      Rate-limit guard state per fetch operation
// @Tags         admin
// @Produce      json
// @Security     ApiKeyAuth
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/guards [get]
func (h *Handler) GetGuardStates(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-guard-states")
	defer span.End()

	states, err := h.market.GuardStates(ctx)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guards": states})
}
