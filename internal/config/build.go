package config

import (
	"fmt"

	"postwell/internal/admin"
	"postwell/internal/analytics"
	"postwell/internal/dispatch"
	"postwell/internal/engine"
	"postwell/internal/generate"
	"postwell/internal/publish"
	"postwell/internal/queue"
	"postwell/internal/retry"
	"postwell/pkg/logx"
)

// Runtime is the parsed, typed view of a Config: every duration string
// resolved, ready to hand to the component constructors. Components still
// apply their own defaults for zero values.
type Runtime struct {
	Logging        logx.Config
	Storage        queue.Config
	Telegram       publish.TelegramConfig
	TelegramDryRun bool
	Engine         engine.Config
	Dispatch       dispatch.Config
	Retry          retry.Policy
	Admin          admin.Config
	Analytics      analytics.Config
	Generator      generate.Config
}

// Build validates cfg and resolves it into a Runtime.
func Build(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	rt := &Runtime{
		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		},
		Telegram: publish.TelegramConfig{
			Token:          cfg.Telegram.Token,
			ParseMode:      cfg.Telegram.ParseMode,
			DisablePreview: cfg.Telegram.DisablePreview,
		},
		TelegramDryRun: cfg.Telegram.DryRun,
	}
	if cfg.Telegram.Token == "" && !cfg.Telegram.DryRun {
		return nil, fmt.Errorf("telegram.token is required unless telegram.dry_run is set")
	}

	busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	rt.Storage = queue.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}

	if rt.Engine.PollInterval, err = ParseDurationField("engine.poll_interval", cfg.Engine.PollInterval); err != nil {
		return nil, err
	}
	if rt.Engine.CycleBackoff, err = ParseDurationField("engine.cycle_backoff", cfg.Engine.CycleBackoff); err != nil {
		return nil, err
	}
	if cfg.Engine.BatchSize < 0 {
		return nil, fmt.Errorf("engine.batch_size must be >= 0")
	}
	rt.Engine.BatchSize = cfg.Engine.BatchSize

	rt.Dispatch = dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		PerChannelLimit: cfg.Dispatch.PerChannelLimit,
		RatePerChannel:  cfg.Dispatch.RatePerChannel,
	}
	if rt.Dispatch.PublishTimeout, err = ParseDurationField("dispatch.publish_timeout", cfg.Dispatch.PublishTimeout); err != nil {
		return nil, err
	}
	if rt.Dispatch.DedupTTL, err = ParseDurationField("dispatch.dedup_ttl", cfg.Dispatch.DedupTTL); err != nil {
		return nil, err
	}

	rt.Retry = retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Jitter:      cfg.Retry.Jitter,
	}
	if rt.Retry.BaseDelay, err = ParseDurationField("retry.base_delay", cfg.Retry.BaseDelay); err != nil {
		return nil, err
	}
	if rt.Retry.MaxDelay, err = ParseDurationField("retry.max_delay", cfg.Retry.MaxDelay); err != nil {
		return nil, err
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return nil, fmt.Errorf("retry.jitter must be in [0, 1]")
	}

	rt.Admin = admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
	}
	if rt.Admin.ReadTimeout, err = ParseDurationField("admin.read_timeout", cfg.Admin.ReadTimeout); err != nil {
		return nil, err
	}
	if rt.Admin.WriteTimeout, err = ParseDurationField("admin.write_timeout", cfg.Admin.WriteTimeout); err != nil {
		return nil, err
	}
	if rt.Admin.IdleTimeout, err = ParseDurationField("admin.idle_timeout", cfg.Admin.IdleTimeout); err != nil {
		return nil, err
	}

	rt.Analytics = analytics.Config{
		Enabled:    cfg.Analytics.Enabled,
		Endpoint:   cfg.Analytics.Endpoint,
		AuthToken:  cfg.Analytics.AuthToken,
		Workers:    cfg.Analytics.Workers,
		QueueSize:  cfg.Analytics.QueueSize,
		RatePerSec: cfg.Analytics.RatePerSec,
	}
	if rt.Analytics.Timeout, err = ParseDurationField("analytics.timeout", cfg.Analytics.Timeout); err != nil {
		return nil, err
	}

	rt.Generator = generate.Config{
		Enabled:     cfg.Generator.Enabled,
		APIKey:      cfg.Generator.APIKey,
		BaseURL:     cfg.Generator.BaseURL,
		Model:       cfg.Generator.Model,
		MaxTokens:   cfg.Generator.MaxTokens,
		Temperature: cfg.Generator.Temperature,
	}
	if rt.Generator.Timeout, err = ParseDurationField("generator.timeout", cfg.Generator.Timeout); err != nil {
		return nil, err
	}
	if cfg.Generator.Enabled && cfg.Generator.APIKey == "" {
		return nil, fmt.Errorf("generator.api_key is required when generator is enabled")
	}

	return rt, nil
}
