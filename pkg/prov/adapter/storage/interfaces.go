// Package storage defines the object store the window archive writes through.
package storage

import (
	"context"
	"io"
)

// ObjectStore is a flat namespace of slash-separated object names.
type ObjectStore interface {
	// Upload writes data to objectName, replacing any existing object.
	Upload(ctx context.Context, objectName string, data io.Reader, contentType string) error
	// Download opens objectName. The caller closes the reader.
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for every object whose name starts with prefix.
	ListObjects(ctx context.Context, prefix string, fn func(objectName string) error) error
	// DeleteObject removes objectName. A missing object is not an error.
	DeleteObject(ctx context.Context, objectName string) error

	Type() string
	Close() error
}
