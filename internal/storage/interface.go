package storage

import (
	"context"
	"io"
)

// ObjectStorage stores job report archives.
type ObjectStorage interface {
	// Upload writes an object under key, replacing any existing object.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object stored under key. It returns ErrObjectNotFound when the key is absent.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the address operators use to fetch the object.
	GetURL(key string) string
}
