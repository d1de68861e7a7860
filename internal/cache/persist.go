package cache

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logx "codemarshal/pkg/logx"
)

// blobFormat tags the internal persistence envelope. It is not a public
// file format and may change between releases.
const blobFormat = "codemarshal-cache/v1"

// Persister stores serialized Weak/Transient entries keyed by key hash.
//
// Implementations must make Persist atomic per hash (a reader never sees a
// partially written blob). storage.Namespace provides one.
type Persister interface {
	Persist(ctx context.Context, hash string, blob []byte) error
	Remove(ctx context.Context, hash string) error
	LoadAll(ctx context.Context) (map[string][]byte, error)
}

// ErrNotPersistable reports a value that exposes no byte representation.
var ErrNotPersistable = errors.New("cache: value is not persistable")

type blobKey struct {
	Type            string `json:"type"`
	InvestigationID string `json:"investigation_id"`
	SessionID       string `json:"session_id,omitempty"`
	ObservationID   string `json:"observation_id,omitempty"`
	PatternName     string `json:"pattern_name,omitempty"`
	Version         int    `json:"version"`
}

type blob struct {
	Format      string    `json:"format"`
	SavedAt     time.Time `json:"saved_at"`
	Key         blobKey   `json:"key"`
	Consistency string    `json:"consistency"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	Kind        string    `json:"kind,omitempty"`
	Value       []byte    `json:"value"`
}

// Value kinds recorded in a blob. Bytes and strings restore as themselves;
// binary values need Options.Decode.
const (
	kindBinary = "binary"
	kindBytes  = "bytes"
	kindString = "string"
)

// errNoDecoder marks a blob that only Options.Decode could rebuild.
var errNoDecoder = errors.New("cache: no decoder for persisted value")

// valueBytes extracts the byte form of v and its kind. Only values
// implementing encoding.BinaryMarshaler, []byte and string are persistable;
// the cache does not fall back to a generic object serializer.
func valueBytes(v any) ([]byte, string, error) {
	switch x := v.(type) {
	case encoding.BinaryMarshaler:
		b, err := x.MarshalBinary()
		return b, kindBinary, err
	case []byte:
		return x, kindBytes, nil
	case string:
		return []byte(x), kindString, nil
	default:
		return nil, "", ErrNotPersistable
	}
}

// decodeValue rebuilds the value held by b. Bytes and strings are returned
// as stored when V can hold them; anything else goes through Options.Decode.
// Blobs written before kinds were recorded count as binary.
func (c *Cache[V]) decodeValue(b blob) (V, error) {
	var native any
	switch b.Kind {
	case kindBytes:
		native = b.Value
	case kindString:
		native = string(b.Value)
	}
	if native != nil {
		if v, ok := native.(V); ok {
			return v, nil
		}
	}
	if c.decode == nil {
		var zero V
		return zero, errNoDecoder
	}
	return c.decode(b.Value)
}

func encodeBlob[V any](e Entry[V], now time.Time) ([]byte, error) {
	raw, kind, err := valueBytes(any(e.Value))
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob{
		Format:  blobFormat,
		SavedAt: now,
		Key: blobKey{
			Type:            string(e.Key.Type),
			InvestigationID: e.Key.InvestigationID,
			SessionID:       e.Key.SessionID,
			ObservationID:   e.Key.ObservationID,
			PatternName:     e.Key.PatternName,
			Version:         e.Key.Version,
		},
		Consistency: e.Consistency.String(),
		CreatedAt:   e.CreatedAt,
		SizeBytes:   e.SizeBytes,
		Kind:        kind,
		Value:       raw,
	})
}

func decodeBlob(data []byte) (blob, Key, Consistency, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return b, Key{}, 0, fmt.Errorf("decode blob: %w", err)
	}
	if b.Format != blobFormat {
		return b, Key{}, 0, fmt.Errorf("unsupported blob format %q", b.Format)
	}
	level, ok := ParseConsistency(b.Consistency)
	if !ok || !level.Persistable() {
		return b, Key{}, 0, fmt.Errorf("blob has non-persistable consistency %q", b.Consistency)
	}
	k := Key{
		Type:            EntryType(b.Key.Type),
		InvestigationID: b.Key.InvestigationID,
		SessionID:       b.Key.SessionID,
		ObservationID:   b.Key.ObservationID,
		PatternName:     b.Key.PatternName,
		Version:         b.Key.Version,
	}
	return b, k, level, nil
}

// persist writes e to the persister and reports whether a blob now holds
// it. Called with the per-key lock held.
func (c *Cache[V]) persist(hash string, e Entry[V]) bool {
	if c.persister == nil || !e.Consistency.Persistable() {
		return false
	}
	data, err := encodeBlob(e, c.now())
	if err != nil {
		if errors.Is(err, ErrNotPersistable) {
			c.log.Trace("cache entry not persisted", logx.String("key", e.Key.Canonical()))
			return false
		}
		c.log.Warn("cache entry encode failed", logx.String("key", e.Key.Canonical()), logx.Err(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	if err := c.persister.Persist(ctx, hash, data); err != nil {
		c.log.Warn("cache entry persist failed", logx.String("key", e.Key.Canonical()), logx.Err(err))
		return false
	}
	return true
}

func (c *Cache[V]) unpersist(hash string) {
	if c.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()
	if err := c.persister.Remove(ctx, hash); err != nil {
		c.log.Debug("cache blob remove failed", logx.String("hash", shortHash(hash)), logx.Err(err))
	}
}

// Restore reloads persisted Weak/Transient entries (warm start).
//
// Bytes and strings come back with their original type. Binary values need
// Options.Decode; without it their blobs are skipped and left on disk. Blobs
// that cannot be decoded, or whose hash no longer matches their key, are
// removed. Restored entries go through the normal write path, so version
// and space rules apply; entries already present at an equal or newer
// version win.
func (c *Cache[V]) Restore(ctx context.Context) (int, error) {
	if c.persister == nil {
		return 0, nil
	}
	blobs, err := c.persister.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted entries: %w", err)
	}

	restored := 0
	for hash, data := range blobs {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		b, key, level, err := decodeBlob(data)
		if err == nil && key.normalized().Hash() != hash {
			err = fmt.Errorf("blob stored under foreign hash")
		}
		var value V
		if err == nil {
			value, err = c.decodeValue(b)
		}
		if errors.Is(err, errNoDecoder) {
			c.log.Debug("persisted cache blob needs a decoder; skipped", logx.String("hash", shortHash(hash)))
			continue
		}
		if err != nil {
			c.log.Debug("discarding persisted cache blob", logx.String("hash", shortHash(hash)), logx.Err(err))
			c.unpersist(hash)
			continue
		}
		if c.set(key, value, level, false) {
			restored++
		}
	}
	if restored > 0 {
		c.log.Info("cache restored from disk", logx.Int("entries", restored))
	}
	return restored, nil
}
