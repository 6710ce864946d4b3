// Package config loads the relay's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the relay needs at startup.
type Config struct {
	// Host and Port bind the HTTP/WebSocket server.
	Host string
	Port int

	// PublicWSBase is the externally reachable WebSocket base URL handed to
	// the meeting host and the worker. Empty derives ws://Host:Port.
	PublicWSBase string

	// WorkerCommand is the program (plus fixed leading arguments) spawned
	// per session; the launch spec's CLI flags are appended to it.
	WorkerCommand []string

	// HostAPIBaseURL points at the meeting-hosting service.
	HostAPIBaseURL string

	// RedisAddr switches the session store to the Redis driver when set.
	RedisAddr     string
	RedisPassword string

	// DrainDelay and StopTimeout tune teardown pacing.
	DrainDelay  time.Duration
	StopTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	cfg := Config{
		Host:           getEnv("RELAY_HOST", "0.0.0.0"),
		Port:           getEnvAsInt("RELAY_PORT", 8766),
		PublicWSBase:   getEnv("PUBLIC_WS_BASE", ""),
		WorkerCommand:  strings.Fields(getEnv("WORKER_COMMAND", "./speaking-worker")),
		HostAPIBaseURL: getEnv("MEETING_HOST_API_URL", "https://api.meetingbaas.com"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		DrainDelay:     getEnvAsDuration("TEARDOWN_DRAIN_DELAY", 500*time.Millisecond),
		StopTimeout:    getEnvAsDuration("WORKER_STOP_TIMEOUT", 3*time.Second),
	}
	if cfg.PublicWSBase == "" {
		cfg.PublicWSBase = fmt.Sprintf("ws://%s:%d", cfg.Host, cfg.Port)
	}
	return cfg
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

// getEnvAsDuration gets an environment variable as a Go duration string
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}
