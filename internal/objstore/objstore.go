// Package objstore holds archive and file bytes keyed by content hash.
package objstore

import (
	"context"
	"io"
	"time"
)

// Store is a bucketed blob store. Keys are content hashes, so writing the same
// key twice with identical bytes is harmless.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Stat reports size and modification time; a missing key is ErrNotFound.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) ([]ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}
