// Package telemetry exposes cache and scheduler counters as OpenTelemetry
// observable instruments.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"codemarshal/internal/cache"
	"codemarshal/internal/task/scheduler"
)

// CacheStats is satisfied by *cache.Cache.
type CacheStats interface {
	Stats() cache.Stats
}

// SchedulerMetrics is satisfied by *scheduler.Scheduler.
type SchedulerMetrics interface {
	Metrics() scheduler.Metrics
}

type instruments struct {
	entries   metric.Int64ObservableGauge
	bytes     metric.Int64ObservableGauge
	hits      metric.Int64ObservableCounter
	misses    metric.Int64ObservableCounter
	evictions metric.Int64ObservableCounter
	conflicts metric.Int64ObservableCounter

	queueLength metric.Int64ObservableGauge
	completed   metric.Int64ObservableCounter
	failed      metric.Int64ObservableCounter
}

// Register installs one callback that reads c and s on every collection.
// Either source may be nil. The returned func unregisters the callback.
func Register(meter metric.Meter, c CacheStats, s SchedulerMetrics) (func() error, error) {
	if meter == nil {
		return nil, errors.New("telemetry: meter is nil")
	}
	in, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	var observables []metric.Observable
	if c != nil {
		observables = append(observables, in.entries, in.bytes, in.hits, in.misses, in.evictions, in.conflicts)
	}
	if s != nil {
		observables = append(observables, in.queueLength, in.completed, in.failed)
	}
	if len(observables) == 0 {
		return func() error { return nil }, nil
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if c != nil {
			st := c.Stats()
			o.ObserveInt64(in.entries, int64(st.Entries))
			o.ObserveInt64(in.bytes, st.BytesUsed)
			o.ObserveInt64(in.hits, int64(st.Hits))
			o.ObserveInt64(in.misses, int64(st.Misses))
			o.ObserveInt64(in.evictions, int64(st.Evictions))
			o.ObserveInt64(in.conflicts, int64(st.VersionConflicts))
		}
		if s != nil {
			m := s.Metrics()
			for p, n := range m.QueueLengths {
				o.ObserveInt64(in.queueLength, int64(n), metric.WithAttributes(attribute.String("priority", p.String())))
			}
			o.ObserveInt64(in.completed, int64(m.Completed))
			o.ObserveInt64(in.failed, int64(m.Failed))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
	)
	gauge := func(name, desc, unit string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return g
	}
	counter := func(name, desc, unit string) metric.Int64ObservableCounter {
		c, err := meter.Int64ObservableCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	in.entries = gauge("codemarshal.cache.entries", "Entries held by the cache", "{entry}")
	in.bytes = gauge("codemarshal.cache.bytes", "Estimated bytes held by the cache", "By")
	in.hits = counter("codemarshal.cache.hits", "Cache lookups that returned a value", "{lookup}")
	in.misses = counter("codemarshal.cache.misses", "Cache lookups that returned nothing", "{lookup}")
	in.evictions = counter("codemarshal.cache.evictions", "Entries removed to make room", "{entry}")
	in.conflicts = counter("codemarshal.cache.version_conflicts", "Writes or reads rejected on version", "{conflict}")
	in.queueLength = gauge("codemarshal.scheduler.queue_length", "Pending tasks per priority", "{task}")
	in.completed = counter("codemarshal.scheduler.tasks_completed", "Tasks that finished without error", "{task}")
	in.failed = counter("codemarshal.scheduler.tasks_failed", "Tasks that returned an error or panicked", "{task}")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}
