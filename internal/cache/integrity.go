package cache

import (
	"fmt"
	"sort"

	logx "codemarshal/pkg/logx"
)

// Size drift tolerance for VerifyIntegrity: 10% of the stored estimate,
// never less than driftMinSlack bytes.
const (
	driftRatio    = 0.10
	driftMinSlack = 64
)

// VerifyIntegrity runs a non-destructive self-check and returns a sorted
// list of human-readable issues (empty when clean). It never panics.
//
// Checks: type index rows pointing at missing entries, entries missing from
// the type index, recomputed key hash mismatches, size estimates drifting
// beyond tolerance, LRU membership not matching the consistency level, and
// the byte counter not matching the sum of entry sizes.
func (c *Cache[V]) VerifyIntegrity() (issues []string) {
	defer func() {
		if r := recover(); r != nil {
			issues = append(issues, fmt.Sprintf("integrity check aborted: %v", r))
			c.log.Error("integrity check panicked", logx.String("panic", fmt.Sprint(r)))
		}
	}()

	issues = c.collectIssues()
	sort.Strings(issues)
	if len(issues) > 0 {
		c.log.Warn("cache integrity issues", logx.Int("count", len(issues)), logx.Strs("issues", issues))
		c.emit(EventIntegrityIssues, map[string]any{"count": len(issues), "issues": issues})
	}
	return issues
}

func (c *Cache[V]) collectIssues() (issues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t, set := range c.byType {
		for hash := range set {
			e, ok := c.entries[hash]
			if !ok {
				issues = append(issues, fmt.Sprintf("type index %q references missing entry %s", t, shortHash(hash)))
				continue
			}
			if e.Key.Type != t {
				issues = append(issues, fmt.Sprintf("entry %s indexed under %q but has type %q", shortHash(hash), t, e.Key.Type))
			}
		}
	}

	var sum int64
	for hash, e := range c.entries {
		sum += e.SizeBytes

		if _, ok := c.byType[e.Key.Type][hash]; !ok {
			issues = append(issues, fmt.Sprintf("entry %s missing from type index %q", shortHash(hash), e.Key.Type))
		}
		if got := e.Key.Hash(); got != hash {
			issues = append(issues, fmt.Sprintf("entry %s key hash mismatch (recomputed %s)", shortHash(hash), shortHash(got)))
		}
		if now := c.estimateSize(e.Value); sizeDrifted(e.SizeBytes, now) {
			issues = append(issues, fmt.Sprintf("entry %s size drift: stored %d, recomputed %d", shortHash(hash), e.SizeBytes, now))
		}
		inLRU := c.lru.contains(hash)
		if e.Consistency.Evictable() && !inLRU {
			issues = append(issues, fmt.Sprintf("evictable entry %s not tracked for eviction", shortHash(hash)))
		}
		if !e.Consistency.Evictable() && inLRU {
			issues = append(issues, fmt.Sprintf("strong entry %s tracked for eviction", shortHash(hash)))
		}
	}
	if sum != c.used {
		issues = append(issues, fmt.Sprintf("byte counter drift: counted %d, entries sum to %d", c.used, sum))
	}
	if n := c.lru.len(); n > len(c.entries) {
		issues = append(issues, fmt.Sprintf("eviction list holds %d hashes for %d entries", n, len(c.entries)))
	}
	c.integrityErrors += uint64(len(issues))
	return issues
}

func sizeDrifted(stored, now int64) bool {
	diff := now - stored
	if diff < 0 {
		diff = -diff
	}
	slack := int64(float64(stored) * driftRatio)
	if slack < driftMinSlack {
		slack = driftMinSlack
	}
	return diff > slack
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
