package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prequal/prequal/pkg/eventbus"
)

// HealthReporter exposes a consumer's state to the health endpoint.
type HealthReporter interface {
	Health() eventbus.Health
}

// NewHealthRouter serves /health and /metrics for the pipeline stages. /health answers 503
// while the consumer is not running.
func NewHealthRouter(service string, reporter HealthReporter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		health := reporter.Health()
		status, code := "healthy", http.StatusOK
		if !health.Running {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":             status,
			"service":            service,
			"consumer_running":   health.Running,
			"consumer_connected": health.Connected,
			"consumer":           health,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
