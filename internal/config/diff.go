package config

import (
	"sort"
	"strings"

	"postwell/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, API keys) are reported as
// set/unset booleans, never as values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.parse_mode", newCfg.Telegram.ParseMode),
			logx.Bool("telegram.dry_run", newCfg.Telegram.DryRun),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.poll_interval", strings.TrimSpace(newCfg.Engine.PollInterval)),
			logx.Int("engine.batch_size", newCfg.Engine.BatchSize),
			logx.String("engine.cycle_backoff", strings.TrimSpace(newCfg.Engine.CycleBackoff)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.per_channel_limit", newCfg.Dispatch.PerChannelLimit),
			logx.Any("dispatch.rate_per_channel", newCfg.Dispatch.RatePerChannel),
			logx.String("dispatch.publish_timeout", strings.TrimSpace(newCfg.Dispatch.PublishTimeout)),
			logx.String("dispatch.dedup_ttl", strings.TrimSpace(newCfg.Dispatch.DedupTTL)),
		)
	}

	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.String("retry.base_delay", strings.TrimSpace(newCfg.Retry.BaseDelay)),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.Any("retry.jitter", newCfg.Retry.Jitter),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.allow_insecure", newCfg.Admin.AllowInsecure),
		)
	}

	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
		attrs = append(attrs,
			logx.Bool("analytics.enabled", newCfg.Analytics.Enabled),
			logx.Bool("analytics.endpoint_set", strings.TrimSpace(newCfg.Analytics.Endpoint) != ""),
			logx.Int("analytics.workers", newCfg.Analytics.Workers),
			logx.Int("analytics.queue_size", newCfg.Analytics.QueueSize),
		)
	}

	if oldCfg.Generator != newCfg.Generator {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.Bool("generator.enabled", newCfg.Generator.Enabled),
			logx.Bool("generator.api_key_set", strings.TrimSpace(newCfg.Generator.APIKey) != ""),
			logx.String("generator.model", newCfg.Generator.Model),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
