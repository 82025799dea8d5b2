package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/database"
	"github.com/revulnera/revulnera/internal/logger"
)

// NewRouter assembles the full HTTP surface: health and metrics in the
// clear, caller routes behind API-key auth and rate limiting, ingestion
// routes behind the worker shared secret.
func NewRouter(cfg *config.Config, h *Handlers, store *database.Store, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(log))
	router.Use(CORSMiddleware())

	router.GET("/health", healthHandler(cfg, store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	caller := v1.Group("")
	caller.Use(AuthMiddleware(cfg.Security.APIKeys, log))
	caller.Use(RateLimitMiddleware(cfg.Security.RateLimit))
	{
		caller.POST("/scans", h.StartScan)
		caller.GET("/scans", h.ListScans)
		caller.GET("/scans/:id", h.GetScan)
		caller.POST("/scans/:id/cancel", h.CancelScan)
		caller.GET("/scans/:id/subscribe", h.Subscribe)

		caller.GET("/reports/scans", h.ListReportSummaries)
		caller.GET("/reports/scans/:id", h.GetReport)
	}

	worker := v1.Group("")
	worker.Use(WorkerAuthMiddleware(cfg.Security.WorkerSecret, log))
	{
		worker.POST("/scans/:id/ingest/subdomains", h.IngestSubdomains)
		worker.POST("/scans/:id/ingest/endpoints", h.IngestEndpoints)
		worker.POST("/scans/:id/network/ports/ingest", h.IngestPorts)
		worker.POST("/scans/:id/network/tls/ingest", h.IngestTLS)
		worker.POST("/scans/:id/network/dirs/ingest", h.IngestDirs)
		worker.POST("/scans/:id/vulnerabilities/ingest", h.IngestVulnerabilities)
		worker.POST("/scans/:id/status", h.UpdateStatus)
		worker.POST("/scans/:id/logs", h.IngestLog)
	}

	return router
}

func healthHandler(cfg *config.Config, store *database.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy := true
		checks := make(map[string]interface{})

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.DB().PingContext(ctx); err != nil {
			healthy = false
			checks["database"] = map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			}
		} else {
			checks["database"] = map[string]interface{}{
				"status": "healthy",
				"driver": cfg.Database.Driver,
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"healthy":   healthy,
			"checks":    checks,
			"timestamp": time.Now().Unix(),
			"version":   "0.1.0",
		})
	}
}
