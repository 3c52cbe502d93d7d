// Package storage provides the object store used for cached artifacts and
// archived job results. The production backend is S3-compatible (AWS,
// Tigris, MinIO); an in-memory store backs single-node deployments and tests.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo describes a stored object without its contents.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is a minimal blob-store abstraction.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
