// Package store provides durable key/value persistence for widget instances.
package store

import (
	"context"
	"time"
)

// Repository persists string values under (namespace, key) pairs.
// Each widget instance owns one namespace; components inside it use disjoint keys.
type Repository interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, namespace, key string) (string, bool, error)

	// Put creates or overwrites the value for key.
	Put(ctx context.Context, namespace, key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, namespace string, keys ...string) error

	// CleanupStale removes namespaces with no writes within ttl.
	CleanupStale(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// KV is the synchronous key/value surface one widget instance sees.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Namespace returns a KV view of repo scoped to namespace.
func Namespace(repo Repository, namespace string) KV {
	return &scopedKV{repo: repo, namespace: namespace}
}

type scopedKV struct {
	repo      Repository
	namespace string
}

func (s *scopedKV) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.Get(ctx, s.namespace, key)
}

func (s *scopedKV) Set(ctx context.Context, key, value string) error {
	return s.repo.Put(ctx, s.namespace, key, value)
}

func (s *scopedKV) Remove(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, s.namespace, key)
}
