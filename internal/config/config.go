package config

import (
	"os"
	"strconv"
	"time"
)

// InferenceConfig configures the external AI collaborator.
type InferenceConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config carries everything the kernel needs at startup. All values come
// from the environment with working defaults; main loads a .env file first.
type Config struct {
	DBPath         string
	HTTPAddr       string
	MaxWorkers     int64
	QueueDepth     int
	MaxAttempts    int
	RetryTick      time.Duration
	EagerRecompute bool
	Inference      InferenceConfig
}

func Load() Config {
	return Config{
		DBPath:         envString("DEALFLOW_DB_PATH", "dealflow.db"),
		HTTPAddr:       envString("DEALFLOW_HTTP_ADDR", ":8080"),
		MaxWorkers:     int64(envInt("DEALFLOW_MAX_WORKERS", 2)),
		QueueDepth:     envInt("DEALFLOW_QUEUE_DEPTH", 100),
		MaxAttempts:    envInt("DEALFLOW_MAX_RETRIES", 3),
		RetryTick:      envDuration("DEALFLOW_RETRY_TICK", 30*time.Second),
		EagerRecompute: envBool("DEALFLOW_EAGER_RECOMPUTE", false),
		Inference: InferenceConfig{
			BaseURL: envString("GEMINI_BASE_URL", ""),
			APIKey:  envString("GEMINI_API_KEY", ""),
			Model:   envString("GEMINI_MODEL", "gemini-2.5-pro"),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
