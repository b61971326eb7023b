package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Provider string

	AWSRegion   string
	QueueURL    string
	QueueURLMap map[string]string
	QueueDLQURL string

	RedisAddr string
	RedisDB   int

	Concurrency       int
	MaxRetries        int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration

	ShutdownTimeout time.Duration
	Env             string
}

func Load() Config {
	return Config{
		Provider:          getEnv("QUEUE_PROVIDER", "memory"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		QueueURL:          getEnv("SQS_QUEUE_URL", ""),
		QueueURLMap:       getMap("SQS_QUEUE_URLS"),
		QueueDLQURL:       getEnv("SQS_DLQ_URL", ""),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           getInt("REDIS_DB", 0),
		Concurrency:       getInt("QUEUE_CONCURRENCY", 4),
		MaxRetries:        getInt("QUEUE_MAX_RETRIES", 3),
		WaitTime:          getDuration("QUEUE_WAIT_TIME", 20*time.Second),
		VisibilityTimeout: getDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Env:               getEnv("APP_ENV", "development"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// getMap parses "name=value,name=value" pairs; malformed pairs are
// skipped.
func getMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || val == "" {
			continue
		}
		out[name] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
