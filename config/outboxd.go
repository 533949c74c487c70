package config

import (
	"fmt"
	"time"
)

// Outboxd is the relay daemon's configuration.
type Outboxd struct {
	// Postgres
	DatabaseURL     string
	KeepConnections int
	ConnMaxIdle     time.Duration

	// Outbox
	Tables        []string
	NotifyChannel string
	BatchSize     int
	CommitSize    int
	PollInterval  time.Duration
	LockRetry     time.Duration
	CleanupEvery  time.Duration
	CleanupLimit  int

	// RabbitMQ
	RabbitURLs []string
	Exchange   string
	MinChans   int
	MaxChans   int

	// HTTP
	HTTPAddr string

	LogLevel string
}

// LoadOutboxd reads the daemon configuration from the environment.
func LoadOutboxd() (Outboxd, error) {
	cfg := Outboxd{
		DatabaseURL:     GetString("DATABASE_URL", ""),
		KeepConnections: GetInt("PG_KEEP_CONNECTIONS", 2),
		ConnMaxIdle:     GetDuration("PG_CONN_MAX_IDLE", 30*time.Second),

		Tables:        GetStrings("OUTBOX_TABLES", []string{"outbox_messages"}),
		NotifyChannel: GetString("OUTBOX_NOTIFY_CHANNEL", "outbox"),
		BatchSize:     GetInt("OUTBOX_BATCH_SIZE", 100),
		CommitSize:    GetInt("OUTBOX_COMMIT_SIZE", 25),
		PollInterval:  GetDuration("OUTBOX_POLL_INTERVAL", 2500*time.Millisecond),
		LockRetry:     GetDuration("OUTBOX_LOCK_RETRY", time.Second),
		CleanupEvery:  GetDuration("OUTBOX_CLEANUP_EVERY", time.Minute),
		CleanupLimit:  GetInt("OUTBOX_CLEANUP_LIMIT", 1000),

		RabbitURLs: GetStrings("RABBITMQ_URLS", nil),
		Exchange:   GetString("RABBITMQ_EXCHANGE", "outbox.events"),
		MinChans:   GetInt("RABBITMQ_MIN_CHANNELS", 1),
		MaxChans:   GetInt("RABBITMQ_MAX_CHANNELS", 10),

		HTTPAddr: GetString("HTTP_ADDR", ":8080"),
		LogLevel: GetString("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.RabbitURLs) == 0 {
		return cfg, fmt.Errorf("RABBITMQ_URLS is required")
	}
	if len(cfg.Tables) == 0 {
		return cfg, fmt.Errorf("OUTBOX_TABLES must name at least one table")
	}
	return cfg, nil
}
