package config

// Config is the on-disk configuration (JSON or YAML).
//
// Sizes are human strings ("256MB", "1KiB"); durations are Go duration
// strings ("10ms", "5s"). Omitted fields take the defaults documented on
// each section.
type Config struct {
	Logging     LoggingConfig      `json:"logging"`
	Cache       CacheConfig        `json:"cache"`
	Scheduler   SchedulerConfig    `json:"scheduler"`
	Consumers   ConsumersConfig    `json:"consumers"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   TelemetryConfig    `json:"telemetry"`
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

// CacheConfig sizes the coordination cache.
//
// Defaults: max_size "256MiB", default_size_estimate "1KiB", persist false.
// Persist only takes effect when a storage driver is configured.
type CacheConfig struct {
	MaxSize             string `json:"max_size,omitempty"`
	DefaultSizeEstimate string `json:"default_size_estimate,omitempty"`
	Persist             bool   `json:"persist,omitempty"`
}

// SchedulerConfig sizes the priority scheduler.
//
// Defaults: queue_capacity 1000 (per priority), history_size 1000,
// run_all_pause "10ms". Negative counts are rejected.
type SchedulerConfig struct {
	QueueCapacity int    `json:"queue_capacity,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RunAllPause   string `json:"run_all_pause,omitempty"`
}

// ConsumersConfig controls how many goroutines drain the scheduler.
//
// Defaults: workers 2, idle_poll "250ms".
type ConsumersConfig struct {
	Workers  int    `json:"workers,omitempty"`
	IdlePoll string `json:"idle_poll,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./.codemarshal/state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig schedules background upkeep tasks. Specs accept cron
// expressions (seconds optional), descriptors ("@hourly", "@every 10m") and
// plain intervals ("10m", "00:30"). An empty spec disables that job.
//
// If the whole section is omitted, maintenance runs with defaults.
type MaintenanceConfig struct {
	Enabled          bool   `json:"enabled"`
	Timezone         string `json:"timezone,omitempty"` // IANA TZ, e.g. "UTC"
	IntegrityCheck   string `json:"integrity_check,omitempty"`
	TransientSweep   string `json:"transient_sweep,omitempty"`
	RecoverySnapshot string `json:"recovery_snapshot,omitempty"`
}

type TelemetryConfig struct {
	Enabled bool   `json:"enabled"`
	Meter   string `json:"meter,omitempty"`
}

// DefaultMaintenance is used when the maintenance section is omitted.
func DefaultMaintenance() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:          true,
		Timezone:         "UTC",
		IntegrityCheck:   "@every 10m",
		TransientSweep:   "@hourly",
		RecoverySnapshot: "@every 1m",
	}
}
