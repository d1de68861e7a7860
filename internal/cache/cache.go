package cache

import (
	"sync"
	"time"

	"codemarshal/internal/eventbus"
	logx "codemarshal/pkg/logx"
)

// DefaultMaxBytes bounds the cache when Options.MaxBytes is not set.
const DefaultMaxBytes int64 = 256 << 20

// Status event types emitted through the Notifier.
const (
	EventVersionConflict = "version_conflict"
	EventCacheFull       = "cache_full"
	EventEntryCached     = "entry_cached"
	EventCacheCleared    = "cache_cleared"
	EventIntegrityIssues = "integrity_issues"
)

// Options configures a Cache.
type Options[V any] struct {
	// MaxBytes is the byte budget for all entries. <= 0 means DefaultMaxBytes.
	MaxBytes int64

	// DefaultSizeEstimate is charged for values that are neither Sizer,
	// []byte nor string. <= 0 means DefaultSizeEstimate.
	DefaultSizeEstimate int64

	// Persister, if set, receives Weak/Transient entries after each write.
	Persister Persister
	// PersistTimeout bounds a single persistence call. <= 0 means 5s.
	PersistTimeout time.Duration
	// Decode rebuilds encoding.BinaryMarshaler values from their persisted
	// bytes (see Restore). Bytes and strings need no decoder.
	Decode func([]byte) (V, error)

	Notifier *eventbus.Notifier
	Logger   logx.Logger

	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// Cache is a concurrency-safe, versioned, memory-bounded cache.
//
// Lock order: per-key lock first, then mu. Persistence I/O runs while only
// the per-key lock is held.
type Cache[V any] struct {
	mu sync.Mutex

	entries map[string]Entry[V]
	byType  map[EntryType]map[string]struct{}
	lru     *lruList
	used    int64

	hits             uint64
	misses           uint64
	evictions        uint64
	versionConflicts uint64
	integrityErrors  uint64

	locks keyLocks

	maxBytes       int64
	defaultSize    int64
	persister      Persister
	persistTimeout time.Duration
	decode         func([]byte) (V, error)

	notifier *eventbus.Notifier
	log      logx.Logger
	warn     *logx.Throttle
	now      func() time.Time
}

// New constructs an empty cache.
func New[V any](opt Options[V]) *Cache[V] {
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxBytes
	}
	if opt.DefaultSizeEstimate <= 0 {
		opt.DefaultSizeEstimate = DefaultSizeEstimate
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = 5 * time.Second
	}
	if opt.Logger.IsZero() {
		opt.Logger = logx.Nop()
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	return &Cache[V]{
		entries:        make(map[string]Entry[V]),
		byType:         make(map[EntryType]map[string]struct{}),
		lru:            newLRUList(),
		maxBytes:       opt.MaxBytes,
		defaultSize:    opt.DefaultSizeEstimate,
		persister:      opt.Persister,
		persistTimeout: opt.PersistTimeout,
		decode:         opt.Decode,
		notifier:       opt.Notifier,
		log:            opt.Logger,
		warn:           logx.NewThrottle(5*time.Second, 1),
		now:            opt.Clock,
	}
}

// Get returns the value stored for key.
//
// A stored entry whose version differs from key.Version is a miss (and a
// version conflict); the caller must know the current version to read.
// A hit replaces the entry with a touched copy.
func (c *Cache[V]) Get(key Key) (V, bool) {
	var zero V
	key = key.normalized()
	hash := key.Hash()

	unlock := c.locks.lock(hash)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.Key.Version != key.Version {
		c.misses++
		c.versionConflicts++
		c.log.Debug("cache read version mismatch",
			logx.String("key", key.Canonical()),
			logx.Int("requested", key.Version),
			logx.Int("stored", e.Key.Version),
		)
		return zero, false
	}

	e = e.touched(c.now())
	c.entries[hash] = e
	if e.Consistency.Evictable() {
		c.lru.touch(hash)
	}
	c.hits++
	return e.Value, true
}

// Set stores value under key with the given consistency level.
//
// It returns false when the write is declined: the stored version is not
// older than key.Version, the consistency level is unknown, or eviction
// cannot free enough room. A declined write leaves the cache unchanged.
func (c *Cache[V]) Set(key Key, value V, level Consistency) bool {
	return c.set(key, value, level, true)
}

func (c *Cache[V]) set(key Key, value V, level Consistency, persist bool) bool {
	if !level.valid() {
		c.log.Warn("cache write with unknown consistency level", logx.Int("level", int(level)))
		return false
	}
	key = key.normalized()
	hash := key.Hash()

	// Blobs of evicted entries are dropped once this key's lock is released.
	var evicted []string
	defer func() { c.dropBlobs(evicted) }()

	unlock := c.locks.lock(hash)
	defer unlock()

	c.mu.Lock()
	prev, exists := c.entries[hash]
	if exists && key.Version <= prev.Key.Version {
		c.versionConflicts++
		c.mu.Unlock()

		c.log.Debug("cache write rejected: version regression",
			logx.String("key", key.Canonical()),
			logx.Int("version", key.Version),
			logx.Int("stored", prev.Key.Version),
		)
		c.emit(EventVersionConflict, map[string]any{
			"key":              key.String(),
			"hash":             hash,
			"version":          key.Version,
			"existing_version": prev.Key.Version,
		})
		return false
	}
	// A concurrent Clear leaves this blob to us: its drop waits on our lock
	// and then sees the key live again.
	replacedBlob := exists && prev.Consistency.Persistable()
	c.mu.Unlock()

	size := c.estimateSize(value)
	now := c.now()

	c.mu.Lock()
	// Writes to other keys or a Clear may have removed prev meanwhile. Its
	// version cannot have moved: this key's lock is held.
	prev, exists = c.entries[hash]
	victims, ok := c.planEvictionLocked(size, hash, prev, exists)
	if !ok {
		used := c.used
		c.mu.Unlock()

		c.warn.Warn(c.log, EventCacheFull, "cache write rejected: cannot free enough space",
			logx.String("key", key.Canonical()),
			logx.Int64("size", size),
			logx.Int64("used", used),
			logx.Int64("max", c.maxBytes),
		)
		c.emit(EventCacheFull, map[string]any{
			"key":        key.String(),
			"size_bytes": size,
			"used_bytes": used,
			"max_bytes":  c.maxBytes,
		})
		return false
	}

	if exists {
		c.removeLocked(hash)
	}
	for _, h := range victims {
		c.removeLocked(h)
		c.evictions++
	}

	e := Entry[V]{
		Key:         key,
		Value:       value,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 0,
		SizeBytes:   size,
		Consistency: level,
	}
	c.insertLocked(hash, e)
	c.mu.Unlock()

	if len(victims) > 0 {
		evicted = victims
		c.log.Debug("cache evicted entries", logx.Int("count", len(victims)), logx.String("for", key.Canonical()))
	}
	if persist {
		// A replaced Weak/Transient blob must not outlive its entry.
		if !c.persist(hash, e) && replacedBlob {
			c.unpersist(hash)
		}
	}

	c.emit(EventEntryCached, map[string]any{
		"key":         key.String(),
		"hash":        hash,
		"type":        string(key.Type),
		"version":     key.Version,
		"size_bytes":  size,
		"consistency": level.String(),
		"evicted":     len(victims),
	})
	return true
}

// Invalidate removes the entry for key. Strong entries are never removed
// this way; the call returns false for them and for absent keys.
func (c *Cache[V]) Invalidate(key Key) bool {
	key = key.normalized()
	hash := key.Hash()

	unlock := c.locks.lock(hash)
	defer unlock()

	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok || e.Consistency == Strong {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(hash)
	c.mu.Unlock()

	c.unpersist(hash)
	return true
}

// InvalidateByType removes every non-Strong entry of type t and returns the count.
func (c *Cache[V]) InvalidateByType(t EntryType) int {
	c.mu.Lock()
	var removed []string
	for hash := range c.byType[t] {
		if c.entries[hash].Consistency == Strong {
			continue
		}
		removed = append(removed, hash)
	}
	for _, hash := range removed {
		c.removeLocked(hash)
	}
	c.mu.Unlock()

	c.dropBlobs(removed)
	if len(removed) > 0 {
		c.log.Debug("cache invalidated by type", logx.String("type", string(t)), logx.Int("count", len(removed)))
	}
	return len(removed)
}

// Clear removes all Weak/Transient entries, and Strong entries too when
// includeStrong is set. It returns removed counts per entry type.
//
// includeStrong is meant for a full system reset only.
func (c *Cache[V]) Clear(includeStrong bool) map[EntryType]int {
	counts := make(map[EntryType]int)

	c.mu.Lock()
	var removed []string
	var persisted []string
	for hash, e := range c.entries {
		if e.Consistency == Strong && !includeStrong {
			continue
		}
		removed = append(removed, hash)
		if e.Consistency.Persistable() {
			persisted = append(persisted, hash)
		}
		counts[e.Key.Type]++
	}
	for _, hash := range removed {
		c.removeLocked(hash)
	}
	c.mu.Unlock()

	c.dropBlobs(persisted)

	byType := make(map[string]any, len(counts))
	for t, n := range counts {
		byType[string(t)] = n
	}
	c.log.Info("cache cleared", logx.Bool("include_strong", includeStrong), logx.Int("removed", len(removed)))
	c.emit(EventCacheCleared, map[string]any{
		"include_strong": includeStrong,
		"removed":        len(removed),
		"by_type":        byType,
	})
	return counts
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byType := make(map[EntryType]int, len(c.byType))
	for t, set := range c.byType {
		byType[t] = len(set)
	}
	ratio := 0.0
	if total := c.hits + c.misses; total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:             c.hits,
		Misses:           c.misses,
		Evictions:        c.evictions,
		VersionConflicts: c.versionConflicts,
		IntegrityErrors:  c.integrityErrors,
		Entries:          len(c.entries),
		BytesUsed:        c.used,
		MaxBytes:         c.maxBytes,
		ByType:           byType,
		HitRatio:         ratio,
	}
}

// planEvictionLocked picks LRU victims so that an entry of size fits.
// The entry being replaced (skip) is not a victim; its bytes are already
// counted as reclaimable. It returns ok=false if no plan exists.
func (c *Cache[V]) planEvictionLocked(size int64, skip string, prev Entry[V], exists bool) ([]string, bool) {
	if size > c.maxBytes {
		return nil, false
	}
	avail := c.maxBytes - c.used
	if exists {
		avail += prev.SizeBytes
	}
	if size <= avail {
		return nil, true
	}

	var victims []string
	c.lru.oldestFirst(func(hash string) bool {
		if hash == skip {
			return true
		}
		victims = append(victims, hash)
		avail += c.entries[hash].SizeBytes
		return size > avail
	})
	if size > avail {
		return nil, false
	}
	return victims, true
}

func (c *Cache[V]) insertLocked(hash string, e Entry[V]) {
	c.entries[hash] = e
	set := c.byType[e.Key.Type]
	if set == nil {
		set = make(map[string]struct{})
		c.byType[e.Key.Type] = set
	}
	set[hash] = struct{}{}
	c.used += e.SizeBytes
	if e.Consistency.Evictable() {
		c.lru.touch(hash)
	}
}

func (c *Cache[V]) removeLocked(hash string) (Entry[V], bool) {
	e, ok := c.entries[hash]
	if !ok {
		return e, false
	}
	delete(c.entries, hash)
	if set := c.byType[e.Key.Type]; set != nil {
		delete(set, hash)
		if len(set) == 0 {
			delete(c.byType, e.Key.Type)
		}
	}
	c.lru.remove(hash)
	c.used -= e.SizeBytes
	return e, true
}

// dropBlobs removes the persisted blobs of entries that left the cache
// without their own key lock held (eviction, bulk invalidation). Each blob
// is removed under its key lock, and only if the key was not written again
// meanwhile, so an in-flight persist can neither resurrect nor lose a blob.
// The caller must not hold c.mu or any key lock.
func (c *Cache[V]) dropBlobs(hashes []string) {
	if c.persister == nil {
		return
	}
	for _, hash := range hashes {
		unlock := c.locks.lock(hash)
		c.mu.Lock()
		_, live := c.entries[hash]
		c.mu.Unlock()
		if !live {
			c.unpersist(hash)
		}
		unlock()
	}
}

func (c *Cache[V]) emit(eventType string, data map[string]any) {
	c.notifier.Notify(eventType, data)
}
