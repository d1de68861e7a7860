package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "codemarshal/pkg/logx"
)

const (
	defaultCacheMaxBytes   int64 = 256 << 20
	defaultSizeEstimate    int64 = 1 << 10
	defaultQueueCapacity         = 1000
	defaultHistorySize           = 1000
	defaultRunAllPause           = 10 * time.Millisecond
	defaultWorkers               = 2
	defaultIdlePoll              = 250 * time.Millisecond
	defaultBusyTimeout           = 5 * time.Second
	defaultStoragePath           = "./.codemarshal/state"
	defaultMeterName             = "codemarshal"
	maxWorkers                   = 64
)

// Resolved holds typed values with defaults applied.
type Resolved struct {
	Cache struct {
		MaxBytes            int64
		DefaultSizeEstimate int64
		Persist             bool
	}
	Scheduler struct {
		QueueCapacity int
		HistorySize   int
		RunAllPause   time.Duration
	}
	Consumers struct {
		Workers  int
		IdlePoll time.Duration
	}
	Storage struct {
		Driver      string // "", "file" or "sqlite"
		Path        string
		BusyTimeout time.Duration
	}
	Maintenance MaintenanceConfig
	Telemetry   struct {
		Enabled bool
		Meter   string
	}
}

// Resolve validates cfg and returns typed values. All problems are
// reported together.
//
// Maintenance schedule grammar is checked by the maintenance package.
func (c *Config) Resolve() (*Resolved, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs []error
		err  error
	)
	add := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	r.Cache.MaxBytes, err = ParseBytesOrDefault("cache.max_size", c.Cache.MaxSize, defaultCacheMaxBytes)
	add(err)
	r.Cache.DefaultSizeEstimate, err = ParseBytesOrDefault("cache.default_size_estimate", c.Cache.DefaultSizeEstimate, defaultSizeEstimate)
	add(err)
	if err == nil && r.Cache.MaxBytes > 0 && r.Cache.DefaultSizeEstimate > r.Cache.MaxBytes {
		add(fmt.Errorf("cache.default_size_estimate exceeds cache.max_size"))
	}
	r.Cache.Persist = c.Cache.Persist

	r.Scheduler.QueueCapacity = positiveOr(&errs, "scheduler.queue_capacity", c.Scheduler.QueueCapacity, defaultQueueCapacity)
	r.Scheduler.HistorySize = positiveOr(&errs, "scheduler.history_size", c.Scheduler.HistorySize, defaultHistorySize)
	r.Scheduler.RunAllPause, err = ParseDurationOrDefault("scheduler.run_all_pause", c.Scheduler.RunAllPause, defaultRunAllPause)
	add(err)

	r.Consumers.Workers = positiveOr(&errs, "consumers.workers", c.Consumers.Workers, defaultWorkers)
	if r.Consumers.Workers > maxWorkers {
		add(fmt.Errorf("consumers.workers: %d exceeds %d", r.Consumers.Workers, maxWorkers))
	}
	r.Consumers.IdlePoll, err = ParseDurationOrDefault("consumers.idle_poll", c.Consumers.IdlePoll, defaultIdlePoll)
	add(err)

	if sc := c.Storage; sc != nil {
		driver := strings.ToLower(strings.TrimSpace(sc.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if driver == "sqlite3" {
				driver = "sqlite"
			}
			r.Storage.Driver = driver
			r.Storage.Path = strings.TrimSpace(sc.Path)
			if r.Storage.Path == "" {
				if driver == "sqlite" {
					add(fmt.Errorf("storage.path is required when storage.driver=sqlite"))
				}
				r.Storage.Path = defaultStoragePath
			}
			r.Storage.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
			add(err)
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
	}
	if r.Cache.Persist && r.Storage.Driver == "" {
		add(fmt.Errorf("cache.persist requires a storage driver"))
	}

	if c.Maintenance == nil {
		r.Maintenance = DefaultMaintenance()
	} else {
		r.Maintenance = *c.Maintenance
		if r.Maintenance.Enabled && strings.TrimSpace(r.Maintenance.RecoverySnapshot) != "" && r.Storage.Driver == "" {
			add(fmt.Errorf("maintenance.recovery_snapshot requires a storage driver"))
		}
	}
	if c.Maintenance == nil && r.Storage.Driver == "" {
		r.Maintenance.RecoverySnapshot = ""
	}
	if tz := strings.TrimSpace(r.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	r.Telemetry.Enabled = c.Telemetry.Enabled
	r.Telemetry.Meter = strings.TrimSpace(c.Telemetry.Meter)
	if r.Telemetry.Meter == "" {
		r.Telemetry.Meter = defaultMeterName
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &r, nil
}

// Validate reports whether cfg resolves cleanly.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

func positiveOr(errs *[]error, path string, v, def int) int {
	if v < 0 {
		*errs = append(*errs, fmt.Errorf("%s: must be >= 0", path))
		return def
	}
	if v == 0 {
		return def
	}
	return v
}
