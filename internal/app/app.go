package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/classreel/classreel-backend/internal/db"
	apphttp "github.com/classreel/classreel-backend/internal/http"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    Repos
	Services Services
	Hub      *realtime.Hub
	Server   *apphttp.Server

	cancel      context.CancelFunc
	janitorDone chan struct{}
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := realtime.NewHub(log, realtime.HubOptions{
		QueueSize:         cfg.SSEQueueSize,
		BacklogSize:       cfg.SSEBacklogSize,
		HeartbeatInterval: cfg.SSEHeartbeatInterval,
	})

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, reposet, hub)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(theDB, log, serviceset, hub)
	authMW := wireMiddleware(log, cfg)

	server := apphttp.NewServer(apphttp.RouterConfig{
		Mode:              cfg.Mode,
		AllowedOrigins:    cfg.AllowedOrigins,
		AuthMiddleware:    authMW,
		ContentHandler:    handlerset.Content,
		RealtimeHandler:   handlerset.Realtime,
		MonitoringHandler: handlerset.Monitoring,
		HealthHandler:     handlerset.Health,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
		Hub:      hub,
		Server:   server,
	}, nil
}

// Start launches the background machinery: the bus forwarder feeding the
// hub, the idle-subscriber janitor, and the request worker.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Services.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
		cancel()
		a.cancel = nil
		return fmt.Errorf("start bus forwarder: %w", err)
	}

	a.janitorDone = make(chan struct{})
	a.Hub.StartJanitor(a.janitorDone)

	go a.Services.Worker.Start(ctx)
	return nil
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("Server listening", "port", a.Cfg.Port)
	return a.Server.Run(":" + a.Cfg.Port)
}

// Close shuts the app down in dependency order: stop taking HTTP traffic,
// stop the worker and forwarder, notify and drop SSE subscribers, then
// release the bus and flush logs.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("HTTP shutdown incomplete", "error", err)
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.janitorDone != nil {
		close(a.janitorDone)
		a.janitorDone = nil
	}
	if a.Hub != nil {
		a.Hub.Shutdown()
	}
	if a.Services.Bus != nil {
		if err := a.Services.Bus.Close(); err != nil {
			a.Log.Warn("Bus close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
