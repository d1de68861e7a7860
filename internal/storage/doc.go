// Package storage is a small namespaced blob store.
//
// It backs cache persistence (Weak/Transient entries) and the scheduler
// recovery snapshot. Two drivers exist:
//   - "file": one file per key, written to a temp file and renamed
//   - "sqlite": a single SQLite database (modernc.org/sqlite, cgo-free)
package storage
