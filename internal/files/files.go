// Package files stores uploaded blobs behind a backend interface. The
// local backend writes under the data directory; the S3 backend keeps the
// same semantics against a bucket.
package files

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

// FileInfo is the metadata returned for a stored object.
type FileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Backend is a flat keyed blob store. Keys are slash-separated paths
// relative to the store root.
type Backend interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (*FileInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error)
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (*FileInfo, error)
	List(ctx context.Context, prefix string, limit int) ([]FileInfo, error)
}

// ValidateKey rejects keys that would escape the store root or collide
// with backend internals.
func ValidateKey(key string) error {
	if key == "" || len(key) > 512 {
		return fmt.Errorf("file key length: %w", domain.ErrValidation)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\x00") {
		return fmt.Errorf("file key %q: %w", key, domain.ErrValidation)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" {
			return fmt.Errorf("file key %q has empty segment: %w", key, domain.ErrValidation)
		}
	}
	return nil
}
