package app

import (
	"strings"
	"time"

	"github.com/classreel/classreel-backend/internal/pkg/logger"
	"github.com/classreel/classreel-backend/internal/utils"
)

type Config struct {
	Port           string
	Mode           string
	JWTSecretKey   string
	AllowedOrigins []string

	RedisAddr            string
	NotificationsChannel string

	WorkerConcurrency int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleProcessing   time.Duration

	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxTotalProcessing time.Duration

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerSuccessToClose   int

	// Optional YAML file layering per-stage timeout/retry overrides.
	StagePolicyPath string

	SSEQueueSize         int
	SSEBacklogSize       int
	SSEHeartbeatInterval time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	origins := utils.GetEnv("CORS_ALLOWED_ORIGINS", "", log)
	var allowed []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}

	return Config{
		Port:           utils.GetEnv("PORT", "8080", log),
		Mode:           utils.GetEnv("GIN_MODE", "debug", log),
		JWTSecretKey:   utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		AllowedOrigins: allowed,

		RedisAddr:            utils.GetEnv("REDIS_ADDR", "", log),
		NotificationsChannel: utils.GetEnv("NOTIFICATIONS_CHANNEL", "notifications", log),

		WorkerConcurrency: utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		PollInterval:      time.Duration(utils.GetEnvAsInt("WORKER_POLL_INTERVAL_MS", 1000, log)) * time.Millisecond,
		HeartbeatInterval: time.Duration(utils.GetEnvAsInt("WORKER_HEARTBEAT_SECONDS", 15, log)) * time.Second,
		StaleProcessing:   time.Duration(utils.GetEnvAsInt("WORKER_STALE_PROCESSING_SECONDS", 300, log)) * time.Second,

		BackoffBase:        time.Duration(utils.GetEnvAsInt("RETRY_BACKOFF_BASE_MS", 1000, log)) * time.Millisecond,
		BackoffCap:         time.Duration(utils.GetEnvAsInt("RETRY_BACKOFF_CAP_MS", 30000, log)) * time.Millisecond,
		MaxTotalProcessing: time.Duration(utils.GetEnvAsInt("MAX_TOTAL_PROCESSING_SECONDS", 1800, log)) * time.Second,

		BreakerFailureThreshold: utils.GetEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5, log),
		BreakerResetTimeout:     time.Duration(utils.GetEnvAsInt("BREAKER_RESET_TIMEOUT_SECONDS", 60, log)) * time.Second,
		BreakerSuccessToClose:   utils.GetEnvAsInt("BREAKER_SUCCESS_TO_CLOSE", 2, log),

		StagePolicyPath: utils.GetEnv("STAGE_POLICY_PATH", "", log),

		SSEQueueSize:         utils.GetEnvAsInt("SSE_QUEUE_SIZE", 100, log),
		SSEBacklogSize:       utils.GetEnvAsInt("SSE_BACKLOG_SIZE", 50, log),
		SSEHeartbeatInterval: time.Duration(utils.GetEnvAsInt("SSE_HEARTBEAT_SECONDS", 30, log)) * time.Second,
	}
}
