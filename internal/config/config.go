// Package config provides configuration loading from environment variables.
package config

import (
	"time"

	"github.com/joho/godotenv"
)

// ServiceConfig holds configuration for the render coordination service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	DatabaseURL       string        // Postgres DSN for the task store
	SchedulerInterval time.Duration // tick interval for the polling scheduler
	AgentTimeout      time.Duration // per-call timeout for worker agent requests
	ArchiveRetries    int           // bounded retry count for archive/delete file operations
	ArchiveRetryDelay time.Duration // base delay between archive/delete retries
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
// A .env file in the working directory is honored when present.
func LoadServiceConfig() *ServiceConfig {
	_ = godotenv.Load()

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		DatabaseURL:       GetEnv("DATABASE_URL", "postgres://localhost:5432/renderonline?sslmode=disable"),
		SchedulerInterval: GetDurationEnv("SCHEDULER_INTERVAL", 15*time.Second),
		AgentTimeout:      GetDurationEnv("AGENT_TIMEOUT", 10*time.Second),
		ArchiveRetries:    GetIntEnv("ARCHIVE_RETRIES", 5),
		ArchiveRetryDelay: GetDurationEnv("ARCHIVE_RETRY_DELAY", 200*time.Millisecond),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
