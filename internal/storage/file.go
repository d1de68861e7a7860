package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "codemarshal/pkg/logx"
)

const blobExt = ".blob"

// fileStore keeps one file per key:
//
//	<root>/<namespace>/<key>.blob
//
// Writes go to a temp file in the same directory and are renamed into
// place, so readers never observe a partial blob.
type fileStore struct {
	root string
	log  logx.Logger

	mu     sync.RWMutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{root: root, log: log}, nil
}

func (s *fileStore) path(ns, key string) string {
	return filepath.Join(s.root, ns, key+blobExt)
}

func (s *fileStore) Put(ctx context.Context, ns, key string, data []byte) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	dir := filepath.Join(s.root, ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+key+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path(ns, key)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := validate(ns, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := os.ReadFile(s.path(ns, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) Delete(ctx context.Context, ns, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := os.Remove(s.path(ns, key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *fileStore) List(ctx context.Context, ns string) ([]string, error) {
	if err := validName("namespace", ns); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	ents, err := os.ReadDir(filepath.Join(s.root, ns))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.sweepTemps()
	return nil
}

// sweepTemps removes temp files left behind by a crash mid-write.
func (s *fileStore) sweepTemps() {
	nss, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, ns := range nss {
		if !ns.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, ns.Name())
		ents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range ents {
			if name := e.Name(); strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
				if err := os.Remove(filepath.Join(dir, name)); err != nil {
					s.log.Debug("temp blob remove failed", logx.String("file", name), logx.Err(err))
				}
			}
		}
	}
}
