package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codemarshal/internal/storage"
	"codemarshal/internal/task/scheduler"
)

// RecoveryNamespace is the storage namespace holding queue snapshots.
const RecoveryNamespace = "recovery"

const (
	recoveryKey    = "latest"
	recoveryFormat = "codemarshal-recovery/v1"
)

// BlobStore is the slice of storage.Namespaced the snapshot job needs.
type BlobStore interface {
	Persist(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// RecoverySnapshot is the stored form of Scheduler.RecoveryState.
type RecoverySnapshot struct {
	Format  string                     `json:"format"`
	SavedAt time.Time                  `json:"saved_at"`
	Tasks   []scheduler.RecoveryRecord `json:"tasks"`
}

// SaveRecovery overwrites the latest snapshot.
func SaveRecovery(ctx context.Context, bs BlobStore, tasks []scheduler.RecoveryRecord, now time.Time) error {
	if tasks == nil {
		tasks = []scheduler.RecoveryRecord{}
	}
	b, err := json.Marshal(RecoverySnapshot{Format: recoveryFormat, SavedAt: now.UTC(), Tasks: tasks})
	if err != nil {
		return err
	}
	return bs.Persist(ctx, recoveryKey, b)
}

// LoadRecovery returns the latest snapshot, or nil when none was saved.
func LoadRecovery(ctx context.Context, bs BlobStore) (*RecoverySnapshot, error) {
	b, err := bs.Load(ctx, recoveryKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap RecoverySnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("recovery snapshot: %w", err)
	}
	if snap.Format != recoveryFormat {
		return nil, fmt.Errorf("recovery snapshot: unsupported format %q", snap.Format)
	}
	return &snap, nil
}
