// Package memory provides in-memory store and registry implementations for
// single-controller development and testing.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/persist"
)

// Ensure BlobStore implements persist.Store
var _ persist.Store = (*BlobStore)(nil)

// BlobStore is an in-memory implementation of persist.Store.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Read returns a copy of the blob stored under key.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(blob), nil
}

// Write replaces the blob stored under key.
func (s *BlobStore) Write(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external mutations
	s.data[key] = slices.Clone(blob)
	return nil
}

// Ensure Registry implements persist.Registry and persist.Watcher
var (
	_ persist.Registry = (*Registry)(nil)
	_ persist.Watcher  = (*Registry)(nil)
)

// Registry is an in-memory implementation of persist.Registry.
type Registry struct {
	mu       sync.RWMutex
	flags    persist.RegistryFlags
	params   []domain.PersistedPortEntry
	hasParam bool
	watchers []chan struct{}
}

// NewRegistry creates a new in-memory registry with every flag clear.
func NewRegistry() *Registry {
	return &Registry{}
}

// Flags returns the current flags.
func (r *Registry) Flags(ctx context.Context) (persist.RegistryFlags, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags, nil
}

// SetFlags replaces the flags and notifies watchers.
func (r *Registry) SetFlags(ctx context.Context, flags persist.RegistryFlags) error {
	r.mu.Lock()
	r.flags = flags
	r.mu.Unlock()
	r.notify()
	return nil
}

// PortParams returns a copy of the stored port parameters.
func (r *Registry) PortParams(ctx context.Context) ([]domain.PersistedPortEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasParam {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(r.params), nil
}

// SetPortParams replaces the port parameters and notifies watchers.
func (r *Registry) SetPortParams(ctx context.Context, entries []domain.PersistedPortEntry) error {
	r.mu.Lock()
	r.params = slices.Clone(entries)
	r.hasParam = true
	r.mu.Unlock()
	r.notify()
	return nil
}

// Watch signals on every modification until ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer r.unwatch(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *Registry) unwatch(ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = slices.DeleteFunc(r.watchers, func(w chan struct{}) bool { return w == ch })
}

func (r *Registry) notify() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
