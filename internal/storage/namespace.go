package storage

import (
	"context"
	"errors"
)

// Namespaced binds a Store to one namespace. It satisfies the cache's
// Persister interface.
type Namespaced struct {
	store Store
	ns    string
}

// Namespace returns a view of store restricted to ns.
func Namespace(store Store, ns string) *Namespaced {
	return &Namespaced{store: store, ns: ns}
}

func (n *Namespaced) Name() string { return n.ns }

func (n *Namespaced) Persist(ctx context.Context, key string, blob []byte) error {
	return n.store.Put(ctx, n.ns, key, blob)
}

func (n *Namespaced) Load(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.ns, key)
}

// Remove deletes key. A missing key is not an error.
func (n *Namespaced) Remove(ctx context.Context, key string) error {
	if err := n.store.Delete(ctx, n.ns, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// LoadAll reads every blob in the namespace. Keys that vanish between
// listing and reading are skipped.
func (n *Namespaced) LoadAll(ctx context.Context) (map[string][]byte, error) {
	keys, err := n.store.List(ctx, n.ns)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, err := n.store.Get(ctx, n.ns, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}
