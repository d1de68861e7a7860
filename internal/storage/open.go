package storage

import (
	"context"
	"errors"
	"strings"

	logx "codemarshal/pkg/logx"
)

// Store is a namespaced key/blob store.
//
// Put replaces atomically: a concurrent Get sees the old or the new blob,
// never a partial one. Get and Delete return ErrNotFound for missing keys.
type Store interface {
	Put(ctx context.Context, ns, key string, data []byte) error
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Delete(ctx context.Context, ns, key string) error
	List(ctx context.Context, ns string) ([]string, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
