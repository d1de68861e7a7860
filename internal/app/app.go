package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"codemarshal/internal/cache"
	"codemarshal/internal/config"
	"codemarshal/internal/eventbus"
	"codemarshal/internal/maintenance"
	"codemarshal/internal/runtime/supervisor"
	"codemarshal/internal/storage"
	"codemarshal/internal/task/scheduler"
	"codemarshal/internal/telemetry"
	logx "codemarshal/pkg/logx"
	"codemarshal/pkg/systemd"
)

// Option customizes New.
type Option func(*options)

type options struct {
	observer      eventbus.NotifyFunc
	meterProvider metric.MeterProvider
}

// WithObserver installs an external status callback. It runs synchronously
// on the goroutine that produced each event.
func WithObserver(fn eventbus.NotifyFunc) Option {
	return func(o *options) { o.observer = fn }
}

// WithMeterProvider replaces the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// App wires the coordination layer: cache, scheduler, consumers,
// maintenance, persistence and config reload.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	res     *config.Resolved

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	cache    *cache.Cache[any]
	sched    *scheduler.Scheduler
	maint    *maintenance.Service
	recovery *storage.Namespaced

	unregisterMetrics func() error

	sup  *supervisor.Supervisor
	wake chan struct{}

	mu           sync.Mutex
	lastRecovery *maintenance.RecoverySnapshot
	stopped      bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled := mapStorageConfig(res); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	bus := eventbus.New()
	notifier := eventbus.NewNotifier(o.observer, bus, log.With(logx.String("comp", "notify")))

	copt := cache.Options[any]{
		MaxBytes:            res.Cache.MaxBytes,
		DefaultSizeEstimate: res.Cache.DefaultSizeEstimate,
		Notifier:            notifier,
		Logger:              log.With(logx.String("comp", "cache")),
	}
	if res.Cache.Persist && store != nil {
		copt.Persister = storage.Namespace(store, "cache")
	}
	c := cache.New(copt)

	sched := scheduler.New(scheduler.Options{
		QueueCapacity: res.Scheduler.QueueCapacity,
		HistorySize:   res.Scheduler.HistorySize,
		RunAllPause:   res.Scheduler.RunAllPause,
		Notifier:      notifier,
		Logger:        log.With(logx.String("comp", "scheduler")),
	})

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		res:     res,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		cache:   c,
		sched:   sched,
		wake:    make(chan struct{}, 1),
	}
	if store != nil {
		a.recovery = storage.Namespace(store, maintenance.RecoveryNamespace)
	}

	deps := maintenance.Deps{
		Scheduler: sched,
		Cache:     c,
		Logger:    log,
	}
	if a.recovery != nil {
		deps.Recovery = a.recovery
	}
	a.maint, err = maintenance.New(mapMaintenanceConfig(res), deps)
	if err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}

	if res.Telemetry.Enabled {
		mp := o.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		a.unregisterMetrics, err = telemetry.Register(mp.Meter(res.Telemetry.Meter), c, sched)
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	cache.SetDefault(c)
	scheduler.SetDefault(sched)
	return a, nil
}

func (a *App) Cache() *cache.Cache[any]          { return a.cache }
func (a *App) Scheduler() *scheduler.Scheduler   { return a.sched }
func (a *App) Maintenance() *maintenance.Service { return a.maint }
func (a *App) Config() *config.Resolved          { return a.res }
func (a *App) ConfigManager() *config.Manager    { return a.cfgm }
func (a *App) Bus() eventbus.Bus                 { return a.bus }

// LastRecovery is the queue snapshot found at start-up, or nil. The
// coordination layer never re-creates tasks from it; callers own the task
// functions and decide what to resubmit.
func (a *App) LastRecovery() *maintenance.RecoverySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRecovery
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Resolve(cfg)
		return err
	})

	startCtx := a.sup.Context()
	if a.res.Cache.Persist && a.store != nil {
		n, err := a.cache.Restore(startCtx)
		if err != nil {
			a.log.Warn("cache restore failed; starting cold", logx.Err(err))
		} else {
			a.log.Info("cache restored", logx.Int("entries", n))
		}
	}
	if a.recovery != nil {
		snap, err := maintenance.LoadRecovery(startCtx, a.recovery)
		switch {
		case err != nil:
			a.log.Warn("recovery snapshot unreadable", logx.Err(err))
		case snap != nil:
			a.mu.Lock()
			a.lastRecovery = snap
			a.mu.Unlock()
			a.log.Info("recovery snapshot loaded",
				logx.Int("pending_tasks", len(snap.Tasks)),
				logx.Time("saved_at", snap.SavedAt),
			)
		}
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.eventLoop(c, events)
	})

	a.sup.Go("consumers", a.runConsumers)

	if err := a.maint.Start(); err != nil {
		a.sup.Cancel()
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	_, _ = systemd.Status(fmt.Sprintf("consumers=%d cache_max=%d", a.res.Consumers.Workers, a.res.Cache.MaxBytes))

	a.log.Info("app started",
		logx.Int("consumers", a.res.Consumers.Workers),
		logx.Int("maintenance_jobs", len(a.maint.Jobs())),
		logx.Bool("persist", a.res.Cache.Persist && a.store != nil),
	)
	return nil
}

// eventLoop logs bus events and wakes idle consumers on new work.
func (a *App) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == scheduler.EventTaskEnqueued {
				a.signalWork()
			}
			// Keep this trace-level; task events are frequent.
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) signalWork() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	if a.sup == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// No new maintenance firings while consumers unwind.
	a.step(ctx, "maintenance", 2*time.Second, a.maint.Stop)

	// Consumers finish their current task and exit.
	a.sup.Cancel()
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.recovery != nil {
		a.step(ctx, "recovery_snapshot", 2*time.Second, func(c context.Context) error {
			return maintenance.SaveRecovery(c, a.recovery, a.sched.RecoveryState(), time.Now())
		})
	}
	if a.unregisterMetrics != nil {
		a.step(ctx, "telemetry", time.Second, func(context.Context) error { return a.unregisterMetrics() })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		a.closeStore()
		return nil
	})

	stats := a.cache.Stats()
	a.log.Info("stopped",
		logx.String("cache", stats.String()),
		logx.Float64("cache_hit_ratio", stats.HitRatio),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
