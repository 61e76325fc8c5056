// Package status serves health, pipeline status and Prometheus metrics over HTTP.
package status

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/pipeline"
)

// Provider is implemented by *pipeline.Pipeline.
type Provider interface {
	Status() pipeline.Status
}

// NewRouter builds the status engine. gatherer may be nil to omit /metrics.
func NewRouter(p Provider, gatherer prometheus.Gatherer, allowedOrigins []string) *gin.Engine {
	router := gin.New()

	router.Use(Logger())
	router.Use(Recovery())

	corsConfig := cors.Config{
		AllowOrigins:  []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		normalized, allowAll := normalizeAllowedOrigins(allowedOrigins)
		if allowAll {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
		} else if len(normalized) > 0 {
			corsConfig.AllowOrigins = normalized
		}
	}
	router.Use(cors.New(corsConfig))

	h := &handler{provider: p}
	router.GET("/health", h.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.status)
	}

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return router
}

type handler struct {
	provider Provider
}

// health reports 503 once the loop has stopped so orchestrators restart the process.
func (h *handler) health(c *gin.Context) {
	st := h.provider.Status()
	if st.State == pipeline.StateStopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped", "error": st.LastError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": st.State})
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Status())
}

func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		for _, part := range strings.Split(origin, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if trimmed == "*" {
				allowAll = true
				continue
			}
			parsed = append(parsed, trimmed)
		}
	}
	return parsed, allowAll
}
