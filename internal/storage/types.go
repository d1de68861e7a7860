package storage

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": directory of blob files rooted at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Namespaces and keys double as directory and file names for the file
// driver, so both are restricted to a portable alphabet.
var reName = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

func validName(kind, v string) error {
	if !reName.MatchString(v) {
		return fmt.Errorf("storage: invalid %s %q", kind, v)
	}
	return nil
}

func validate(ns, key string) error {
	if err := validName("namespace", ns); err != nil {
		return err
	}
	return validName("key", key)
}
