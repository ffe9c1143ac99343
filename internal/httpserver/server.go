package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/PratikDhanave/scan-ingest-service/internal/auth"
	"github.com/PratikDhanave/scan-ingest-service/internal/handlers"
	"github.com/PratikDhanave/scan-ingest-service/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the shared handles the router serves from. They are built once in main.
type Deps struct {
	Keys    auth.KeyValidator
	Scans   *handlers.ScanHandler
	Metrics *metrics.Metrics
	// Checks are pinged by /ready, keyed by dependency name.
	Checks map[string]Pinger
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /metrics
// Authenticated: /api/scan, /api/scans, /api/scan/:id
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
		d.Scans.Recorder = d.Metrics
	}

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms storage and the broker are reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, p := range d.Checks {
			if err := p.Ping(ctx); err != nil {
				log.WithError(err).WithField("dependency", name).Warn("readiness check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "dependency": name})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	// Auth group enforces a valid x-api-key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(d.Keys))

	handlers.RegisterScanRoutes(authGroup, d.Scans)

	return r
}

// requestLogger logs one line per request and propagates a request id.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"route":      c.FullPath(),
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}
