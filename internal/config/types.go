package config

// Config is the full on-disk configuration. Files may be JSON or YAML;
// both are decoded strictly so typos in section or key names fail fast.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Engine    EngineConfig    `json:"engine"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retry     RetryConfig     `json:"retry"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Analytics AnalyticsConfig `json:"analytics,omitempty"`
	Generator GeneratorConfig `json:"generator,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the queue store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postwell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Token          string `json:"token"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// DryRun logs publishes instead of sending to Telegram.
	DryRun bool `json:"dry_run,omitempty"`
}

// EngineConfig controls the polling loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - batch_size: 50
//   - cycle_backoff: "5s"
type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	CycleBackoff string `json:"cycle_backoff,omitempty"`
}

// DispatchConfig controls the publish worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - per_channel_limit: 1
//   - rate_per_channel: 1
//   - publish_timeout: "30s"
//   - dedup_ttl: "24h"
type DispatchConfig struct {
	Workers         int     `json:"workers,omitempty"`
	PerChannelLimit int     `json:"per_channel_limit,omitempty"`
	RatePerChannel  float64 `json:"rate_per_channel,omitempty"`
	PublishTimeout  string  `json:"publish_timeout,omitempty"`
	DedupTTL        string  `json:"dedup_ttl,omitempty"`
}

// RetryConfig controls the backoff schedule for failed publishes.
//
// Defaults: base_delay "30s", max_delay "30m", max_attempts 5, jitter 0.2.
type RetryConfig struct {
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// AdminConfig controls the management HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8085").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8085"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AnalyticsConfig controls the fire-and-forget outcome reporter.
// Empty endpoint routes records to the structured log instead of HTTP.
type AnalyticsConfig struct {
	Enabled    bool    `json:"enabled"`
	Endpoint   string  `json:"endpoint,omitempty"`
	AuthToken  string  `json:"auth_token,omitempty"` // do not log
	Timeout    string  `json:"timeout,omitempty"`
	Workers    int     `json:"workers,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// GeneratorConfig controls AI-assisted draft generation for the admin API.
type GeneratorConfig struct {
	Enabled     bool    `json:"enabled"`
	APIKey      string  `json:"api_key,omitempty"` // do not log
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}
