// Package cache is the versioned, memory-bounded artifact cache of the
// coordination layer.
//
// Producers (pattern calculators, session-state writers) store computed
// artifacts under a structured Key. The cache never interprets values; it
// only tracks their identity, version, size and consistency level.
//
// Guarantees:
//   - Writes never regress: a Set whose version is not strictly greater than
//     the stored version is rejected.
//   - Strong entries are never evicted, invalidated or written to disk; only
//     Clear(true) removes them.
//   - Eviction is least-recently-used over Weak/Transient entries and is
//     all-or-nothing: if enough room cannot be freed the write is rejected
//     and nothing changes.
//   - Entries are immutable values. A read replaces the stored record with a
//     touched copy under the cache lock.
//
// Failures are soft: every operation reports through return values, and the
// cache itself never panics on misbehaving values or observers.
package cache
