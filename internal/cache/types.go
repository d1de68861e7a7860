package cache

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// EntryType classifies what kind of artifact an entry holds.
// Unknown tags are allowed; the cache treats them as opaque.
type EntryType string

const (
	TypeObservationSnapshot EntryType = "observation_snapshot"
	TypePatternResult       EntryType = "pattern_result"
	TypeSessionState        EntryType = "session_state"
	TypeComputedMetric      EntryType = "computed_metric"
	TypeTransientData       EntryType = "transient_data"
)

// Consistency governs whether an entry may be evicted or persisted.
type Consistency int

const (
	// Strong entries must be recomputed by the caller if lost: never
	// evicted, never persisted, never invalidated except by Clear(true).
	Strong Consistency = iota + 1
	// Weak entries are regenerable from source.
	Weak
	// Transient entries are pure performance data.
	Transient
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("consistency(%d)", int(c))
	}
}

// Evictable reports whether the eviction policy may remove the entry.
func (c Consistency) Evictable() bool { return c == Weak || c == Transient }

// Persistable reports whether the entry may be written to disk.
func (c Consistency) Persistable() bool { return c == Weak || c == Transient }

func (c Consistency) valid() bool { return c >= Strong && c <= Transient }

// ParseConsistency is the inverse of Consistency.String.
func ParseConsistency(s string) (Consistency, bool) {
	switch s {
	case "strong":
		return Strong, true
	case "weak":
		return Weak, true
	case "transient":
		return Transient, true
	default:
		return 0, false
	}
}

// Entry is an immutable cache record.
//
// Reading an entry never mutates it: the cache stores a touched copy in its
// place.
type Entry[V any] struct {
	Key         Key
	Value       V
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount uint64
	SizeBytes   int64
	Consistency Consistency
}

func (e Entry[V]) touched(now time.Time) Entry[V] {
	e.AccessCount++
	e.LastAccess = now
	return e
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits             uint64
	Misses           uint64
	Evictions        uint64
	VersionConflicts uint64
	IntegrityErrors  uint64

	Entries   int
	BytesUsed int64
	MaxBytes  int64
	ByType    map[EntryType]int

	HitRatio float64
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d used=%s/%s hit_ratio=%.2f evictions=%d conflicts=%d",
		s.Entries,
		humanize.IBytes(uint64(max(s.BytesUsed, 0))),
		humanize.IBytes(uint64(max(s.MaxBytes, 0))),
		s.HitRatio,
		s.Evictions,
		s.VersionConflicts,
	)
}
