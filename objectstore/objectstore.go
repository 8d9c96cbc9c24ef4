// Package objectstore implements the finalizer.ObjectStore collaborator,
// §6 ("Object-store collaborator — put(bucket, key=hex(root)+".json",
// bytes)"). The production binding is an arbitrary blob store; this
// package provides a Redis-backed development/local implementation,
// explicitly out of the core per spec.md §1.
package objectstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store persists finalized-batch bytes under bucket/key, grounded on
// the billing repo's redis.Client session accessors (session.go's
// rdb.HSet/HGetAll keyed by a prefixed string).
type Store struct {
	rdb *redis.Client
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func objectKey(bucket, key string) string {
	return fmt.Sprintf("objectstore:%s:%s", bucket, key)
}

// Put satisfies finalizer.ObjectStore.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	return s.rdb.Set(ctx, objectKey(bucket, key), data, 0).Err()
}

// Get retrieves previously stored bytes. The admin surface does not
// call it; no HTTP endpoint serves stored batches.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, objectKey(bucket, key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("objectstore: no object at %s/%s", bucket, key)
	}
	return data, err
}
