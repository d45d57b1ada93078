package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/apiserver/handlers"
	"github.com/prequal/prequal/pkg/apiserver/middleware"
	"github.com/prequal/prequal/pkg/auth"
	"github.com/prequal/prequal/pkg/config"
)

const (
	serviceName = "prequal-api"
	version     = "1.0.0"
)

type Server struct {
	router  *gin.Engine
	service handlers.ApplicationService
	query   handlers.ApplicationQuery
	tokens  *auth.TokenManager
	cfg     *config.Config
	logger  *zap.Logger
}

// NewServer wires the public API. Bearer authentication is enforced only when a JWT secret
// is configured.
func NewServer(service handlers.ApplicationService, query handlers.ApplicationQuery, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		query:   query,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.Auth.JWTSecret != "" {
		s.tokens = auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, 0)
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "Prequal API",
			"status":      "running",
			"version":     version,
			"description": "Loan Pre-Qualification Service",
		})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	applicationHandler := handlers.NewApplicationHandler(s.service, s.query, s.logger)
	applications := r.Group("/applications")
	{
		applications.POST("", s.require(auth.ScopeApplicationsWrite), applicationHandler.Create)
		applications.GET("", s.require(auth.ScopeApplicationsRead), applicationHandler.List)
		applications.GET("/stats", s.require(auth.ScopeApplicationsRead), applicationHandler.Stats)
		applications.GET("/:id/status", s.require(auth.ScopeApplicationsRead), applicationHandler.Status)
	}

	s.router = r
}

func (s *Server) require(scope string) gin.HandlerFunc {
	if s.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.Auth(s.tokens, scope)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
