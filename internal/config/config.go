package config

import (
	"os"
	"strconv"
)

// ApplyEnv overrides configuration values from CELLGRADE_* environment variables
func ApplyEnv(cfg *LocalConfig) {
	cfg.Daemon.Port = getEnvInt("CELLGRADE_PORT", cfg.Daemon.Port)
	cfg.Daemon.Bind = getEnv("CELLGRADE_BIND", cfg.Daemon.Bind)
	cfg.Daemon.LogLevel = getEnv("CELLGRADE_LOG_LEVEL", cfg.Daemon.LogLevel)
	cfg.Daemon.MaxConcurrent = getEnvInt("CELLGRADE_MAX_CONCURRENT", cfg.Daemon.MaxConcurrent)

	cfg.Grading.TestsDir = getEnv("CELLGRADE_TESTS_DIR", cfg.Grading.TestsDir)
	cfg.Grading.RevealThreshold = getEnvInt("CELLGRADE_REVEAL_THRESHOLD", cfg.Grading.RevealThreshold)
	cfg.Grading.Isolate = getEnvBool("CELLGRADE_ISOLATE", cfg.Grading.Isolate)
	cfg.Grading.TimeoutSeconds = getEnvInt("CELLGRADE_TIMEOUT", cfg.Grading.TimeoutSeconds)

	cfg.Storage.Enabled = getEnvBool("CELLGRADE_HISTORY", cfg.Storage.Enabled)
	cfg.Storage.Path = getEnv("CELLGRADE_HISTORY_PATH", cfg.Storage.Path)

	cfg.Queue.URL = getEnv("RABBITMQ_URL", cfg.Queue.URL)
	cfg.Queue.Workers = getEnvInt("CELLGRADE_WORKERS", cfg.Queue.Workers)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
