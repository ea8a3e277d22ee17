package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-tracker/internal/cache"
)

const (
	serviceVersion = "1.0.0"
	checkTimeout   = 3 * time.Second
)

type ServiceCheck struct {
	Status  string `json:"status"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status         string                  `json:"status"`
	Timestamp      int64                   `json:"timestamp"`
	ResponseTimeMS float64                 `json:"response_time_ms"`
	Version        string                  `json:"version"`
	Services       map[string]ServiceCheck `json:"services"`
}

type ReadinessCheck struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type ReadyResponse struct {
	Ready  bool                      `json:"ready"`
	Checks map[string]ReadinessCheck `json:"checks"`
}

// Health godoc
// @Summary      Health check
// @Description  Reports cache and database connectivity. External providers are not called.
// @Tags         health
// @Produce      json
// @Success      200  {object}  HealthResponse
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	cacheCheck := ServiceCheck{Status: "ok", Type: cache.Kind(h.store)}
	if err := cache.RoundTrip(ctx, h.store); err != nil {
		cacheCheck = ServiceCheck{Status: "error", Message: err.Error()}
	}
	dbCheck := ServiceCheck{Status: "disabled"}
	if h.db != nil {
		dbCheck = ServiceCheck{Status: "ok", Type: "postgresql"}
		if err := h.db.Ping(ctx); err != nil {
			dbCheck = ServiceCheck{Status: "error", Message: err.Error()}
		}
	}

	status := "healthy"
	if cacheCheck.Status != "ok" || dbCheck.Status == "error" {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:         status,
		Timestamp:      time.Now().Unix(),
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000,
		Version:        serviceVersion,
		Services: map[string]ServiceCheck{
			"cache":    cacheCheck,
			"database": dbCheck,
			"apis":     {Status: "not_checked", Message: "external API checks disabled for health endpoint"},
		},
	})
}

// Ready godoc
// @Summary      Readiness check
// @Tags         health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := map[string]ReadinessCheck{"cache": {Ready: true}, "database": {Ready: true}}
	if err := cache.RoundTrip(ctx, h.store); err != nil {
		checks["cache"] = ReadinessCheck{Error: err.Error()}
	}
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = ReadinessCheck{Error: err.Error()}
		}
	}

	ready := true
	for _, check := range checks {
		ready = ready && check.Ready
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, ReadyResponse{Ready: ready, Checks: checks})
}
