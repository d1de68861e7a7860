package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseBytesOrDefault parses a human byte size ("256MB", "1 KiB", "4096").
// Empty input returns def.
func ParseBytesOrDefault(path, raw string, def int64) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", path, raw, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s: size must be > 0", path)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: size %q too large", path, raw)
	}
	return int64(n), nil
}
