package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemarshal/internal/cache"
	logx "codemarshal/pkg/logx"
)

var _ cache.Persister = (*Namespaced)(nil)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "blobs")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(ctx, "cache", "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Put(ctx, "cache", "b", []byte("two")))
			require.NoError(t, st.Put(ctx, "cache", "a", []byte("one")))
			require.NoError(t, st.Put(ctx, "recovery", "latest", []byte("[]")))

			got, err := st.Get(ctx, "cache", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, st.Put(ctx, "cache", "a", []byte("uno")))
			got, err = st.Get(ctx, "cache", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), got)

			keys, err := st.List(ctx, "cache")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			require.NoError(t, st.Delete(ctx, "cache", "a"))
			assert.ErrorIs(t, st.Delete(ctx, "cache", "a"), ErrNotFound)

			keys, err = st.List(ctx, "empty")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, st.Put(ctx, "../etc", "k", nil))
			assert.Error(t, st.Put(ctx, "cache", "a/b", nil))
			assert.Error(t, st.Put(ctx, "cache", ".hidden", nil))
			assert.Error(t, st.Put(ctx, "cache", "", nil))
		})
	}
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Close())
			require.NoError(t, st.Close())
			assert.ErrorIs(t, st.Put(ctx, "cache", "k", []byte("v")), ErrClosed)
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreSweepsTempFilesOnClose(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), "cache", "k", []byte("v")))

	stale := filepath.Join(dir, "cache", ".k.123.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	keys, err := st.List(context.Background(), "cache")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys, "temp files are not listed")

	require.NoError(t, st.Close())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestNamespaceBacksCachePersistence(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			p := Namespace(st, "cache")
			require.NoError(t, p.Remove(ctx, "absent"))

			first := cache.New(cache.Options[string]{Persister: p})
			k := cache.Key{Type: cache.TypePatternResult, InvestigationID: "inv", PatternName: "coupling", Version: 2}
			require.True(t, first.Set(k, "result", cache.Weak))
			require.True(t, first.Set(cache.Key{Type: cache.TypeSessionState, InvestigationID: "inv"}, "s", cache.Strong))

			blobs, err := p.LoadAll(ctx)
			require.NoError(t, err)
			assert.Len(t, blobs, 1, "strong entries are never persisted")

			second := cache.New(cache.Options[string]{
				Persister: p,
				Decode:    func(b []byte) (string, error) { return string(b), nil },
			})
			n, err := second.Restore(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			v, ok := second.Get(k)
			require.True(t, ok)
			assert.Equal(t, "result", v)
		})
	}
}
