package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all runtime settings. Everything comes from environment
// variables so the service can run unchanged in compose and bare-metal setups.
type Config struct {
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	QueueName        string
	InteractiveQueue string
	MediaRoot        string
	DBPath           string
	AutotaggerURL    string
	AutotaggerEnable bool
	Concurrency      int
	DownloadWorkers  int
	APIAddr          string
}

func Load() Config {
	return Config{
		RedisAddr:        envOrDefault("REDIS_ADDR", "redis:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          envInt("REDIS_DB", 0),
		QueueName:        envOrDefault("ASYNQ_QUEUE", "default"),
		InteractiveQueue: envOrDefault("ASYNQ_INTERACTIVE_QUEUE", "interactive"),
		MediaRoot:        envOrDefault("MEDIA_ROOT", "/app/downloaded_images"),
		DBPath:           envOrDefault("TAGS_DB_PATH", "/app/tags.db"),
		AutotaggerURL:    os.Getenv("AUTOTAGGER_URL"),
		AutotaggerEnable: strings.EqualFold(envOrDefault("AUTOTAGGER", "false"), "true"),
		Concurrency:      envInt("ASYNQ_CONCURRENCY", 20),
		DownloadWorkers:  envInt("DOWNLOAD_WORKERS", 5),
		APIAddr:          envOrDefault("QUEUE_API_ADDR", ":8001"),
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var n int
	_, err := fmt.Sscanf(val, "%d", &n)
	if err != nil {
		return fallback
	}
	return n
}
