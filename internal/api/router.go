package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitecreator/internal/api/handler"
	"github.com/timmy/sitecreator/internal/api/middleware"
	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/service"
)

// RouterDeps holds the services the HTTP layer is built on.
type RouterDeps struct {
	Jobs      *service.JobService
	Tracker   *service.Tracker
	Canceller handler.JobCanceller
	Cleanup   *service.CleanupService
	Ping      func(ctx context.Context) error

	// Metrics is served at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, server config.ServerConfig) *gin.Engine {
	switch server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(server.CORS))

	healthHandler := handler.NewHealthHandler(deps.Ping)
	jobHandler := handler.NewJobHandler(deps.Jobs, deps.Tracker, deps.Canceller)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil && deps.MetricsPath != "" {
		r.GET(deps.MetricsPath, gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		// Bulk jobs
		v1.POST("/jobs", jobHandler.SubmitJob)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.GET("/jobs/:id/items", jobHandler.ListItems)
		v1.POST("/jobs/:id/cancel", jobHandler.CancelJob)

		// Standalone items
		v1.POST("/items", jobHandler.SubmitItem)
		v1.GET("/items/:id", jobHandler.GetItem)

		if deps.Cleanup != nil {
			v1.POST("/cleanup", handler.NewCleanupHandler(deps.Cleanup).Run)
		}
	}

	return r
}
