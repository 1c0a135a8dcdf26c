package app

import (
	"gorm.io/gorm"

	httpH "github.com/classreel/classreel-backend/internal/http/handlers"
	httpMW "github.com/classreel/classreel-backend/internal/http/middleware"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime"
)

type Handlers struct {
	Content    *httpH.ContentHandler
	Realtime   *httpH.RealtimeHandler
	Monitoring *httpH.MonitoringHandler
	Health     *httpH.HealthHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, s Services, hub *realtime.Hub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Content:    httpH.NewContentHandler(s.Requests),
		Realtime:   httpH.NewRealtimeHandler(log, hub),
		Monitoring: httpH.NewMonitoringHandler(s.Monitor),
		Health:     httpH.NewHealthHandler(db),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) *httpMW.AuthMiddleware {
	return httpMW.NewAuthMiddleware(log, cfg.JWTSecretKey)
}
