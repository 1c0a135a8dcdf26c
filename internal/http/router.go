package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/classreel/classreel-backend/internal/http/handlers"
	httpMW "github.com/classreel/classreel-backend/internal/http/middleware"
)

type RouterConfig struct {
	Mode           string
	AllowedOrigins []string

	AuthMiddleware    *httpMW.AuthMiddleware
	ContentHandler    *httpH.ContentHandler
	RealtimeHandler   *httpH.RealtimeHandler
	MonitoringHandler *httpH.MonitoringHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.ContentHandler != nil {
			protected.POST("/content-requests", cfg.ContentHandler.Submit)
			protected.GET("/content-requests/:id", cfg.ContentHandler.GetStatus)
			protected.GET("/content-requests/:id/stages", cfg.ContentHandler.ListStages)
			protected.GET("/content-requests/:id/events", cfg.ContentHandler.ListEvents)
		}

		if cfg.RealtimeHandler != nil {
			protected.GET("/notifications/stream", cfg.RealtimeHandler.Stream)
		}

		if cfg.MonitoringHandler != nil {
			protected.GET("/monitoring/requests", cfg.MonitoringHandler.ActiveRequests)
			protected.GET("/monitoring/stages", cfg.MonitoringHandler.StageMetrics)
			protected.GET("/monitoring/breakers", cfg.MonitoringHandler.Breakers)
		}
	}

	return r
}
