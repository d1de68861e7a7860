package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemarshal/internal/eventbus"
	logx "codemarshal/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recorder) notify(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestCache(t *testing.T, maxBytes int64) (*Cache[string], *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(Options[string]{
		MaxBytes: maxBytes,
		Notifier: eventbus.NewNotifier(rec.notify, nil, logx.Nop()),
	})
	return c, rec
}

func patternKey(name string) Key {
	return Key{Type: TypePatternResult, InvestigationID: "inv-1", PatternName: name}
}

func TestVersionRegressionIsRejected(t *testing.T) {
	c, rec := newTestCache(t, 1<<20)
	k := patternKey("coupling").WithVersion(3)

	require.True(t, c.Set(k, "v1", Weak))

	for _, older := range []int{1, 2, 3} {
		assert.False(t, c.Set(k.WithVersion(older), "v2", Weak), "version %d must be rejected", older)
	}
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "v1", got)
	assert.Equal(t, uint64(3), c.Stats().VersionConflicts)
	assert.Equal(t, 3, rec.count(EventVersionConflict))

	require.True(t, c.Set(k.WithVersion(4), "v2", Weak))
	got, ok = c.Get(k.WithVersion(4))
	require.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestGetVersionMismatchIsMissWithoutMutation(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	k := patternKey("cohesion").WithVersion(2)
	require.True(t, c.Set(k, "value", Strong))

	before := c.entries[k.Hash()]

	_, ok := c.Get(k.WithVersion(1))
	assert.False(t, ok)
	_, ok = c.Get(k.WithVersion(5))
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(2), st.VersionConflicts)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, before, c.entries[k.Hash()])
}

func TestDefaultVersionIsOne(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	k := patternKey("default")

	require.True(t, c.Set(k, "a", Weak))
	v, ok := c.Get(k.WithVersion(1))
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.False(t, c.Set(k.WithVersion(1), "b", Weak))
}

func TestGetTouchReplacesEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New(Options[string]{Clock: func() time.Time { return now }})
	k := patternKey("touch")
	require.True(t, c.Set(k, "x", Weak))

	now = now.Add(time.Minute)
	_, ok := c.Get(k)
	require.True(t, ok)
	_, ok = c.Get(k)
	require.True(t, ok)

	e := c.entries[k.Hash()]
	assert.Equal(t, uint64(2), e.AccessCount)
	assert.Equal(t, now, e.LastAccess)
	assert.Equal(t, now.Add(-time.Minute), e.CreatedAt)
}

func TestStrongEntriesSurviveEverythingButFullClear(t *testing.T) {
	c, rec := newTestCache(t, 1<<20)
	strong := Key{Type: TypeSessionState, InvestigationID: "inv-1", SessionID: "s1"}
	weak := Key{Type: TypeSessionState, InvestigationID: "inv-1", SessionID: "s2"}
	transient := Key{Type: TypeTransientData, InvestigationID: "inv-1"}

	require.True(t, c.Set(strong, "keep", Strong))
	require.True(t, c.Set(weak, "drop", Weak))
	require.True(t, c.Set(transient, "drop", Transient))

	assert.False(t, c.Invalidate(strong))
	assert.Equal(t, 1, c.InvalidateByType(TypeSessionState))

	counts := c.Clear(false)
	assert.Equal(t, map[EntryType]int{TypeTransientData: 1}, counts)

	v, ok := c.Get(strong)
	require.True(t, ok)
	assert.Equal(t, "keep", v)

	counts = c.Clear(true)
	assert.Equal(t, map[EntryType]int{TypeSessionState: 1}, counts)
	_, ok = c.Get(strong)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().BytesUsed)
	assert.Equal(t, 2, rec.count(EventCacheCleared))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	k := patternKey("fanout")

	assert.False(t, c.Invalidate(k), "absent key")
	require.True(t, c.Set(k, "v", Transient))
	assert.True(t, c.Invalidate(k))
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, c.lru.len())
}

func TestEvictionNeverTouchesStrong(t *testing.T) {
	c, rec := newTestCache(t, 100)
	s := patternKey("strong")
	w := patternKey("weak")

	require.True(t, c.Set(s, strings.Repeat("s", 60), Strong))
	require.True(t, c.Set(w, strings.Repeat("w", 30), Weak))

	// 50 bytes needs more than the 40 that evicting w could free.
	assert.False(t, c.Set(patternKey("big"), strings.Repeat("b", 50), Weak))
	assert.Equal(t, 1, rec.count(EventCacheFull))

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(90), st.BytesUsed)
	assert.Equal(t, uint64(0), st.Evictions)
	_, ok := c.Get(w)
	assert.True(t, ok, "rejected write must not evict")

	// 35 bytes fits once w is gone.
	require.True(t, c.Set(patternKey("fits"), strings.Repeat("f", 35), Weak))
	_, ok = c.Get(w)
	assert.False(t, ok)
	_, ok = c.Get(s)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestEvictionIsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 30)
	a, b, cc, d := patternKey("a"), patternKey("b"), patternKey("c"), patternKey("d")

	require.True(t, c.Set(a, "0123456789", Weak))
	require.True(t, c.Set(b, "0123456789", Transient))
	require.True(t, c.Set(cc, "0123456789", Weak))

	_, ok := c.Get(a)
	require.True(t, ok)

	require.True(t, c.Set(d, "0123456789", Weak))

	_, ok = c.Get(b)
	assert.False(t, ok, "b was least recently used")
	for _, k := range []Key{a, cc, d} {
		_, ok := c.Get(k)
		assert.True(t, ok, k.PatternName)
	}
}

func TestValueLargerThanBudgetIsRejected(t *testing.T) {
	c, rec := newTestCache(t, 10)
	assert.False(t, c.Set(patternKey("huge"), strings.Repeat("x", 11), Weak))
	assert.Equal(t, 1, rec.count(EventCacheFull))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestReplacingEntryReusesItsBytes(t *testing.T) {
	c, _ := newTestCache(t, 20)
	k := patternKey("replace")
	require.True(t, c.Set(k, strings.Repeat("a", 15), Strong))
	require.True(t, c.Set(k.WithVersion(2), strings.Repeat("b", 18), Weak))

	st := c.Stats()
	assert.Equal(t, int64(18), st.BytesUsed)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 1, c.lru.len())
}

func TestUnknownConsistencyRejected(t *testing.T) {
	c, _ := newTestCache(t, 100)
	assert.False(t, c.Set(patternKey("x"), "v", Consistency(42)))
}

func TestStatsAndHitRatio(t *testing.T) {
	c, rec := newTestCache(t, 1<<20)
	k := Key{Type: TypeComputedMetric, InvestigationID: "inv"}
	require.True(t, c.Set(k, "m", Weak))
	_, _ = c.Get(k)
	_, _ = c.Get(k)
	_, _ = c.Get(patternKey("missing"))

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRatio, 1e-9)
	assert.Equal(t, map[EntryType]int{TypeComputedMetric: 1}, st.ByType)
	assert.Equal(t, int64(1<<20), st.MaxBytes)
	assert.Contains(t, st.String(), "entries=1")
	assert.Equal(t, 1, rec.count(EventEntryCached))
}

func TestConcurrentWritersHighestVersionWins(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	k := patternKey("race")

	const writers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for v := 1; v <= writers; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			<-start
			c.Set(k.WithVersion(v), fmt.Sprintf("v%d", v), Weak)
		}(v)
	}
	close(start)
	wg.Wait()

	got, ok := c.Get(k.WithVersion(writers))
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("v%d", writers), got)
	assert.Equal(t, 1, c.Stats().Entries)
	assert.Equal(t, 0, c.locks.len(), "per-key locks are released")
}

func TestConcurrentMixedOperationsKeepIntegrity(t *testing.T) {
	c, _ := newTestCache(t, 2048)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key{Type: TypeTransientData, InvestigationID: "inv", ObservationID: fmt.Sprint(i % 17)}
				switch i % 4 {
				case 0:
					c.Set(k.WithVersion(i+g), strings.Repeat("x", 64), Transient)
				case 1:
					c.Get(k.WithVersion(i + g - 1))
				case 2:
					c.Invalidate(k)
				default:
					c.Set(Key{Type: TypeSessionState, InvestigationID: fmt.Sprint(g)}.WithVersion(i), "s", Strong)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Empty(t, c.VerifyIntegrity())
	assert.LessOrEqual(t, c.Stats().BytesUsed, int64(2048))
}
