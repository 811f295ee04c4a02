// Package config loads worker agent configuration from environment
// variables, each with a sensible default via envOrDefault/envOrDefaultInt.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the agent needs to connect, authenticate, and
// reach its local scraper API.
type Config struct {
	OrchestratorURL string
	APIType         string
	WorkerToken     string

	LocalAPIURL    string
	LocalStatusURL string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration

	StartupProbeTimeout  time.Duration
	StartupProbeDeadline time.Duration

	LogLevel string
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		OrchestratorURL:      envOrDefault("ORCHESTRATOR_URL", "ws://localhost:8010/worker"),
		APIType:              envOrDefault("WORKER_API_TYPE", "crunchbase"),
		WorkerToken:          envOrDefault("WORKER_TOKEN", ""),
		LocalAPIURL:          envOrDefault("LOCAL_API_URL", "http://localhost:8001"),
		LocalStatusURL:       envOrDefault("LOCAL_STATUS_LISTEN", ":8011"),
		HeartbeatInterval:    time.Duration(envOrDefaultInt("WORKER_HEARTBEAT_INTERVAL", 10)) * time.Second,
		ReconnectBase:        time.Duration(envOrDefaultInt("RECONNECT_DELAY_SECONDS", 5)) * time.Second,
		ReconnectCap:         time.Duration(envOrDefaultInt("RECONNECT_DELAY_CAP_SECONDS", 60)) * time.Second,
		StartupProbeTimeout:  time.Duration(envOrDefaultInt("STARTUP_PROBE_TIMEOUT_SECONDS", 5)) * time.Second,
		StartupProbeDeadline: time.Duration(envOrDefaultInt("STARTUP_PROBE_DEADLINE_SECONDS", 120)) * time.Second,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
	}
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
