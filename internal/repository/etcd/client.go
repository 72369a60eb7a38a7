// Package etcd provides the etcd-backed persistent store and registry.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with a session for distributed locking. Every
// key is placed under the configured prefix.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// Session backs the write lock shared by both controllers
	session, err := concurrency.NewSession(client, concurrency.WithTTL(30))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.String("prefix", cfg.Prefix),
	)

	return &Client{
		client:  client,
		session: session,
		prefix:  cfg.Prefix,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

func (c *Client) key(name string) string {
	return path.Join("/", c.prefix, name)
}

// =============================================================================
// Key-Value Operations
// =============================================================================

// PutRaw stores bytes under a key.
func (c *Client) PutRaw(ctx context.Context, key string, value []byte) error {
	if _, err := c.client.Put(ctx, c.key(key), string(value)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// GetRaw retrieves the bytes stored under a key.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.client.Get(ctx, c.key(key))
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put stores a JSON-encoded value.
func (c *Client) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.PutRaw(ctx, key, data)
}

// Get retrieves a JSON-encoded value.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// =============================================================================
// Watch Operations
// =============================================================================

// WatchEvent represents an etcd watch event.
type WatchEvent struct {
	Type  EventType
	Key   string
	Value []byte
}

// EventType represents the type of watch event.
type EventType string

const (
	EventTypePut    EventType = "PUT"
	EventTypeDelete EventType = "DELETE"
)

// Watch watches for changes on a key or prefix.
func (c *Client) Watch(ctx context.Context, key string, prefix bool) <-chan WatchEvent {
	events := make(chan WatchEvent, 10)

	opts := []clientv3.OpOption{}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}

	go func() {
		defer close(events)

		watchCh := c.client.Watch(ctx, c.key(key), opts...)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					eventType := EventTypePut
					if ev.Type == clientv3.EventTypeDelete {
						eventType = EventTypeDelete
					}
					select {
					case events <- WatchEvent{Type: eventType, Key: string(ev.Kv.Key), Value: ev.Kv.Value}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events
}

// =============================================================================
// Distributed Locking
// =============================================================================

// Lock represents a distributed lock.
type Lock struct {
	mutex *concurrency.Mutex
}

// AcquireLock acquires a distributed lock.
func (c *Client) AcquireLock(ctx context.Context, key string) (*Lock, error) {
	mutex := concurrency.NewMutex(c.session, c.key(path.Join("locks", key)))

	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", key))

	return &Lock{mutex: mutex}, nil
}

// TryAcquireLock tries to acquire a lock with a timeout.
func (c *Client) TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.AcquireLock(ctx, key)
}

// Unlock releases a distributed lock.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	return l.mutex.Unlock(ctx)
}
