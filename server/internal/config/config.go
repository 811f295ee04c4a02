// Package config loads orchestrator configuration from environment
// variables, each with a sensible default via envOrDefault/envOrDefaultInt.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the external-interfaces spec.
type Config struct {
	Host string
	Port string

	RedisURL string

	BackendStatusURL string
	BackendURL       string

	WorkerTokens map[string][]string

	HeartbeatInterval time.Duration
	WorkerTimeout     time.Duration

	TaskTimeout time.Duration
	RetryLimit  int

	LogLevel string
}

// APITypes is the closed, configuration-extensible set of worker kinds.
var APITypes = []string{"crunchbase", "tracxn", "social"}

// Load reads configuration from the environment, applying the defaults
// documented in the external-interfaces section.
func Load() Config {
	cfg := Config{
		Host:              envOrDefault("ORCHESTRATOR_HOST", "0.0.0.0"),
		Port:              envOrDefault("ORCHESTRATOR_PORT", "8010"),
		RedisURL:          envOrDefault("REDIS_URL", "redis://redis:6379/1"),
		BackendStatusURL:  envOrDefault("BACKEND_STATUS_URL", "http://backend:8000/api/reports/status-update/"),
		BackendURL:        envOrDefault("BACKEND_URL", "http://backend:8000/api/admin"),
		HeartbeatInterval: time.Duration(envOrDefaultInt("WORKER_HEARTBEAT_INTERVAL", 10)) * time.Second,
		WorkerTimeout:     time.Duration(envOrDefaultInt("WORKER_TIMEOUT", 60)) * time.Second,
		TaskTimeout:       time.Duration(envOrDefaultInt("TASK_TIMEOUT", 7200)) * time.Second,
		RetryLimit:        envOrDefaultInt("TASK_RETRY_LIMIT", 3),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
	}

	cfg.WorkerTokens = loadWorkerTokens()
	return cfg
}

// loadWorkerTokens reads WORKER_TOKENS_<API_TYPE> comma-separated lists,
// falling back to a single development token per api_type when unset.
func loadWorkerTokens() map[string][]string {
	tokens := make(map[string][]string, len(APITypes))

	for _, apiType := range APITypes {
		envKey := "WORKER_TOKENS_" + strings.ToUpper(apiType)
		raw := os.Getenv(envKey)
		if raw == "" {
			tokens[apiType] = []string{"dev-" + apiType + "-token"}
			continue
		}

		var list []string
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				list = append(list, t)
			}
		}
		tokens[apiType] = list
	}

	return tokens
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
