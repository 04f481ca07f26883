package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPAddr    string        `envconfig:"HTTP_ADDR" default:"127.0.0.1:8765"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	// ReachabilityAddr is dialed before each submission; empty disables the check.
	ReachabilityAddr    string        `envconfig:"REACHABILITY_ADDR"`
	ReachabilityTimeout time.Duration `envconfig:"REACHABILITY_TIMEOUT" default:"2s"`

	ToolPath      string        `envconfig:"TOOL_PATH" default:"yt-dlp"`
	MaxConcurrent int           `envconfig:"MAX_CONCURRENT" default:"3"`
	GracePeriod   time.Duration `envconfig:"GRACE_PERIOD" default:"1s"`

	BulkCancelDelay time.Duration `envconfig:"BULK_CANCEL_DELAY" default:"1s"`
	Retention       time.Duration `envconfig:"RETENTION" default:"30m"`
	PurgeInterval   time.Duration `envconfig:"PURGE_INTERVAL" default:"1m"`
	PurgeDelay      time.Duration `envconfig:"PURGE_DELAY" default:"5s"`
	LogLines        int           `envconfig:"LOG_LINES" default:"1000"`

	DefaultOutputDir string `envconfig:"OUTPUT_DIR" default:"./downloads"`
	HistoryFile      string `envconfig:"HISTORY_FILE" default:"./history.json"`
	HistoryLimit     int    `envconfig:"HISTORY_LIMIT" default:"50"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP address cannot be empty")
	}

	if c.ToolPath == "" {
		return fmt.Errorf("tool path cannot be empty")
	}

	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive: %d", c.MaxConcurrent)
	}

	durations := map[string]time.Duration{
		"grace period":      c.GracePeriod,
		"bulk cancel delay": c.BulkCancelDelay,
		"retention":         c.Retention,
		"purge interval":    c.PurgeInterval,
		"purge delay":       c.PurgeDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", name, d)
		}
	}

	if c.LogLines <= 0 {
		return fmt.Errorf("log lines must be positive: %d", c.LogLines)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive: %d", c.HistoryLimit)
	}

	if c.DefaultOutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.HistoryFile == "" {
		return fmt.Errorf("history file cannot be empty")
	}

	return nil
}
