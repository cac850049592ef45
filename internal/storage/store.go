// Package storage provides the object storage plane: a small Store
// contract with a local-disk implementation and an S3-compatible
// implementation, used by the backup service and (optionally) for large
// document blobs.
package storage

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object without its body.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified int64 // unix seconds
}

// Store is the capability set the backup service (and any future large
// object path) needs: put, get, delete, list. Implementations are
// state structures, not a class hierarchy (spec §9's sum-type-over-
// inheritance principle applied to storage backends).
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
