package main

import (
	"time"

	"github.com/tinytelemetry/thousand/internal/events"
	"github.com/tinytelemetry/thousand/internal/httpserver"
	"github.com/tinytelemetry/thousand/internal/model"
)

const (
	defaultBindHost            = "0.0.0.0"
	defaultAPIPort             = 8080
	defaultMaxWidth            = model.DefaultMaxWidth
	defaultMaxHeight           = model.DefaultMaxHeight
	defaultMaxRetries          = model.DefaultMaxRetries
	defaultBackoffStep         = model.DefaultBackoffStep
	defaultAttemptTimeout      = model.DefaultAttemptTimeout
	defaultMaxSockets          = model.DefaultMaxSockets
	defaultFallbackBaseURL     = model.DefaultFallbackBaseURL
	defaultQueryTimeout        = 30 * time.Second
	defaultInsertBatchSize     = 256
	defaultInsertFlushInterval = 500 * time.Millisecond
	defaultLedgerRetention     = 7 // days, 0 = disabled
	defaultEventBuffer         = events.DefaultBuffer
	defaultMaxUploadBytes      = httpserver.DefaultMaxUploadBytes
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIPort             int              `mapstructure:"api-port"`
	APIAddr             string           `mapstructure:"api-addr"`
	SketchDir           string           `mapstructure:"sketch-dir"`
	MaxWidth            int              `mapstructure:"max-width"`
	MaxHeight           int              `mapstructure:"max-height"`
	MaxRetries          int              `mapstructure:"max-retries"`
	BackoffStep         time.Duration    `mapstructure:"backoff-step"`
	AttemptTimeout      time.Duration    `mapstructure:"attempt-timeout"`
	MaxSockets          int              `mapstructure:"max-sockets"`
	FallbackBaseURL     string           `mapstructure:"fallback-base-url"`
	Pods                []model.Endpoint `mapstructure:"pods"`
	DBPath              string           `mapstructure:"db-path"`
	QueryTimeout        time.Duration    `mapstructure:"query-timeout"`
	LedgerEnabled       bool             `mapstructure:"ledger-enabled"`
	LedgerRetention     int              `mapstructure:"ledger-retention"`
	InsertBatchSize     int              `mapstructure:"insert-batch-size"`
	InsertFlushInterval time.Duration    `mapstructure:"insert-flush-interval"`
	EventBuffer         int              `mapstructure:"event-buffer"`
	MaxUploadBytes      int64            `mapstructure:"max-upload-bytes"`
	ConfigPath          string           `mapstructure:"-"` // not from config file
}
