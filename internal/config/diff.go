package config

import (
	"reflect"

	logx "codemarshal/pkg/logx"
)

// Sections whose changes take effect without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections, safe log fields
// describing the new values, and whether any changed section needs a
// restart to apply.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.max_size", newCfg.Cache.MaxSize),
			logx.Bool("cache.persist", newCfg.Cache.Persist),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.queue_capacity", newCfg.Scheduler.QueueCapacity),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}
	if oldCfg.Consumers != newCfg.Consumers {
		changed = append(changed, "consumers")
		attrs = append(attrs, logx.Int("consumers.workers", newCfg.Consumers.Workers))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		if newCfg.Maintenance != nil {
			attrs = append(attrs, logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled))
		}
	}
	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
		attrs = append(attrs, logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled))
	}

	for _, s := range changed {
		if !hotSections[s] {
			restart = true
			break
		}
	}
	return changed, attrs, restart
}
