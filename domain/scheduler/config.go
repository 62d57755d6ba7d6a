package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler tuning. It reads its own environment block so the
// worker can run with scheduling disabled in tests.
type Config struct {
	// Enabled controls whether any task runs.
	Enabled bool

	// QueueMaintenanceInterval is how often stale-job recovery and queue
	// pruning run.
	QueueMaintenanceInterval time.Duration

	// StaleJobMinutes is how long a queue job may sit in processing before
	// it is considered abandoned and reclaimed.
	StaleJobMinutes int

	// RescanSchedule is the cron expression for the full coverage rescan of
	// every tracked repository.
	RescanSchedule string
}

// NewConfig loads scheduler configuration from environment variables.
func NewConfig() *Config {
	return &Config{
		Enabled:                  getEnvBool("SCHEDULER_ENABLED", true),
		QueueMaintenanceInterval: getEnvDuration("QUEUE_MAINTENANCE_INTERVAL", 5*time.Minute),
		StaleJobMinutes:          getEnvInt("STALE_JOB_MINUTES", 15),
		RescanSchedule:           getEnvString("RESCAN_SCHEDULE", "0 2 * * *"),
	}
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
