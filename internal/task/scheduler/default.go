package scheduler

import (
	"sync"
	"sync/atomic"
)

var (
	defaultMu        sync.Mutex
	defaultScheduler atomic.Pointer[Scheduler]
)

// Default returns the process-wide scheduler, constructing one with default
// options on first use. Prefer SetDefault with an explicitly built instance.
func Default() *Scheduler {
	if s := defaultScheduler.Load(); s != nil {
		return s
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if s := defaultScheduler.Load(); s != nil {
		return s
	}
	s := New(Options{})
	defaultScheduler.Store(s)
	return s
}

// SetDefault installs s as the process-wide scheduler.
func SetDefault(s *Scheduler) {
	defaultMu.Lock()
	defaultScheduler.Store(s)
	defaultMu.Unlock()
}

// ResetDefault drops the process-wide scheduler. Tests and recovery only.
func ResetDefault() {
	defaultMu.Lock()
	defaultScheduler.Store(nil)
	defaultMu.Unlock()
}
