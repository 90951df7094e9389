package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"t3rms-backend/internal/analyses"
	"t3rms-backend/internal/services/health"
	"t3rms-backend/internal/shared/auth"
	"t3rms-backend/internal/shared/config"
	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/server/middleware"
	"t3rms-backend/internal/shared/server/respond"
)

// Rate limit groups. Status polling and event streams get a looser budget
// than uploads.
const (
	rateGroupDefault = "DEFAULT"
	rateGroupPolling = "POLLING"
	rateGroupUpload  = "UPLOAD"
)

// RouterDeps holds the handlers and services the router mounts.
type RouterDeps struct {
	Config          config.Config
	Verifier        *auth.Verifier
	AnalysisHandler *analyses.Handler
	Health          *health.Service
	RateLimiter     *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(deps.Verifier),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupDefault,
			GroupFor:     rateGroupFor,
			Limiter:      deps.RateLimiter,
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: 2, Burst: 20},
				rateGroupPolling: {Rate: 5, Burst: 30},
				rateGroupUpload:  {Rate: 0.2, Burst: 5},
			},
		}),
	)

	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.OK(c, healthSvc.Status())
	})
	api.GET("/ready", func(c *gin.Context) {
		checks, ready := healthSvc.Ready(c.Request.Context())
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, gin.H{"ready": ready, "checks": checks})
	})
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(api)
	}

	return r
}

func rateGroupFor(c *gin.Context) string {
	switch path := c.FullPath(); {
	case c.Request.Method == http.MethodPost && path == "/api/v1/analyses":
		return rateGroupUpload
	case c.Request.Method == http.MethodGet && (path == "/api/v1/analyses/:id" || path == "/api/v1/analyses/:id/events"):
		return rateGroupPolling
	case path == "/api/v1/health" || path == "/api/v1/ready" || path == "/metrics":
		return "UNLIMITED"
	default:
		return rateGroupDefault
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
