package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	WSAddr      string
	DatabaseURL string
	RedisURL    string
	TokenSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	CORSOrigin  string
	// Counter store
	StoreTimeout time.Duration
	// Broadcast connection lifecycle
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// Subscription client reconnect policy
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ReconnectBudget int
	RefetchInterval time.Duration
}

func Load() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8686"),
		WSAddr:            getenv("PULSE_WS_ADDR", ":8687"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		TokenSecret:       getenv("PULSE_TOKEN_SECRET", "pulse-dev-secret"),
		AccessTTL:         time.Duration(getenvInt("PULSE_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:        time.Duration(getenvInt("PULSE_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		CORSOrigin:        getenv("PULSE_CORS_ORIGIN", "*"),
		StoreTimeout:      time.Duration(getenvInt("PULSE_STORE_TIMEOUT_MS", 3000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getenvInt("PULSE_HEARTBEAT_INTERVAL_SECONDS", 25)) * time.Second,
		HeartbeatTimeout:  time.Duration(getenvInt("PULSE_HEARTBEAT_TIMEOUT_SECONDS", 60)) * time.Second,
		BackoffBase:       time.Duration(getenvInt("PULSE_BACKOFF_BASE_MS", 500)) * time.Millisecond,
		BackoffCap:        time.Duration(getenvInt("PULSE_BACKOFF_CAP_MS", 30000)) * time.Millisecond,
		ReconnectBudget:   getenvInt("PULSE_RECONNECT_BUDGET", 8),
		RefetchInterval:   time.Duration(getenvInt("PULSE_REFETCH_INTERVAL_SECONDS", 30)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
