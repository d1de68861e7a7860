package cache

import (
	"sync"
	"sync/atomic"
)

var (
	defaultMu    sync.Mutex
	defaultCache atomic.Pointer[Cache[any]]
)

// Default returns the process-wide cache, constructing it with default
// options on first use.
//
// Prefer building a Cache at start-up and installing it with SetDefault.
func Default() *Cache[any] {
	if c := defaultCache.Load(); c != nil {
		return c
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if c := defaultCache.Load(); c != nil {
		return c
	}
	c := New(Options[any]{})
	defaultCache.Store(c)
	return c
}

// SetDefault installs c as the process-wide cache.
func SetDefault(c *Cache[any]) {
	defaultMu.Lock()
	defaultCache.Store(c)
	defaultMu.Unlock()
}

// ResetDefault drops the process-wide cache so the next Default call builds
// a fresh one. For tests and recovery only; must not race in-flight calls.
func ResetDefault() {
	defaultMu.Lock()
	defaultCache.Store(nil)
	defaultMu.Unlock()
}
