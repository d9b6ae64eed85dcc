// Package objstore abstracts the remote blob store a queue table ingests
// from. Backends are selected by engine type (S3Queue, AzureQueue) and opened
// through gocloud.dev, which also gives us in-memory and filesystem buckets
// for tests and local runs.
package objstore

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Type is the closed set of supported object storage flavors.
type Type string

const (
	TypeS3    Type = "s3"
	TypeAzure Type = "azure"
	TypeMem   Type = "mem"
	TypeFile  Type = "file"
)

// TypeForEngine maps an engine name to its storage type.
func TypeForEngine(engine string) (Type, error) {
	switch engine {
	case "S3Queue":
		return TypeS3, nil
	case "AzureQueue":
		return TypeAzure, nil
	default:
		return "", fmt.Errorf("unexpected object storage engine: %s", engine)
	}
}

// ObjectInfo describes a listed object. Path, Size and ModTime are also
// exposed to queries as virtual columns.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Store is the read-and-delete surface the queue needs from a blob store.
type Store interface {
	// ListPage returns one page of objects under the store's prefix. An empty
	// returned token means the listing is exhausted.
	ListPage(ctx context.Context, pageToken string, pageSize int) ([]ObjectInfo, string, error)

	// NewReader opens the object at path for reading.
	NewReader(ctx context.Context, path string) (io.ReadCloser, error)

	// Remove deletes the given objects, ignoring ones that are already gone.
	Remove(ctx context.Context, paths []string) error

	// Type reports the backend flavor.
	Type() Type

	Close() error
}
