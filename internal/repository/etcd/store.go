package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/persist"
)

const lockTimeout = 10 * time.Second

// BlobStore keeps persistent blobs under <prefix>/blobs/<key>.
type BlobStore struct {
	client *Client
}

// Ensure BlobStore implements persist.Store
var _ persist.Store = (*BlobStore)(nil)

// NewBlobStore creates an etcd blob store.
func NewBlobStore(client *Client) *BlobStore {
	return &BlobStore{client: client}
}

// Read implements persist.Store.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetRaw(ctx, "blobs/"+key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

// Write implements persist.Store. Both controllers share the store, so the
// write runs under the blob's distributed lock.
func (s *BlobStore) Write(ctx context.Context, key string, blob []byte) error {
	lock, err := s.client.TryAcquireLock(ctx, "blobs/"+key, lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			s.client.logger.Warn("Failed to release blob lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return s.client.PutRaw(ctx, "blobs/"+key, blob)
}

// Registry keeps registry flags and port parameters under
// <prefix>/registry/<side>/.
type Registry struct {
	client *Client
	side   domain.Side
}

// Ensure Registry implements persist.Registry and persist.Watcher
var (
	_ persist.Registry = (*Registry)(nil)
	_ persist.Watcher  = (*Registry)(nil)
)

// NewRegistry creates the registry of one controller side.
func NewRegistry(client *Client, side domain.Side) *Registry {
	return &Registry{client: client, side: side}
}

func (r *Registry) key(name string) string {
	return fmt.Sprintf("registry/%s/%s", r.side, name)
}

// Flags implements persist.Registry. Missing flags read as all clear.
func (r *Registry) Flags(ctx context.Context) (persist.RegistryFlags, error) {
	var flags persist.RegistryFlags
	err := r.client.Get(ctx, r.key("flags"), &flags)
	if errors.Is(err, ErrKeyNotFound) {
		return persist.RegistryFlags{}, nil
	}
	if err != nil {
		return flags, fmt.Errorf("failed to read registry flags: %w", err)
	}
	return flags, nil
}

// SetFlags implements persist.Registry.
func (r *Registry) SetFlags(ctx context.Context, flags persist.RegistryFlags) error {
	return r.client.Put(ctx, r.key("flags"), flags)
}

// PortParams implements persist.Registry.
func (r *Registry) PortParams(ctx context.Context) ([]domain.PersistedPortEntry, error) {
	var entries []domain.PersistedPortEntry
	err := r.client.Get(ctx, r.key("port_params"), &entries)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry port parameters: %w", err)
	}
	return entries, nil
}

// SetPortParams implements persist.Registry.
func (r *Registry) SetPortParams(ctx context.Context, entries []domain.PersistedPortEntry) error {
	lock, err := r.client.TryAcquireLock(ctx, r.key("port_params"), lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer lock.Unlock(context.Background())
	return r.client.Put(ctx, r.key("port_params"), entries)
}

// Watch implements persist.Watcher. It signals whenever any registry key of
// this side changes.
func (r *Registry) Watch(ctx context.Context) (<-chan struct{}, error) {
	events := r.client.Watch(ctx, fmt.Sprintf("registry/%s/", r.side), true)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range events {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}
