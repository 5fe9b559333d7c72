package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratabase/strata/internal/domain"
)

// LocalBackend stores objects as files under root. Content types are kept
// in a sidecar next to each object so downloads round-trip them.
type LocalBackend struct {
	root string
}

const ctSuffix = ".ct"

func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

func (l *LocalBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalBackend) Put(ctx context.Context, key string, body io.Reader, contentType string) (*FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	dst := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}

	// Write through a temp file so a partial upload never becomes visible.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}
	if contentType != "" {
		if err := os.WriteFile(dst+ctSuffix, []byte(contentType), 0o644); err != nil {
			return nil, fmt.Errorf("write content type for %s: %w", key, err)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &FileInfo{Key: key, Size: size, ContentType: contentType, LastModified: info.ModTime()}, nil
}

func (l *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("file %s: %w", key, domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open %s: %w", key, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, &FileInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  l.contentType(key),
		LastModified: stat.ModTime(),
	}, nil
}

func (l *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(l.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file %s: %w", key, domain.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	os.Remove(l.path(key) + ctSuffix)
	return nil
}

func (l *LocalBackend) Stat(ctx context.Context, key string) (*FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	stat, err := os.Stat(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &FileInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  l.contentType(key),
		LastModified: stat.ModTime(),
	}, nil
}

func (l *LocalBackend) List(ctx context.Context, prefix string, limit int) ([]FileInfo, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []FileInfo
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasSuffix(key, ctSuffix) || strings.HasPrefix(filepath.Base(key), ".upload-") {
			return nil
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, FileInfo{
			Key:          key,
			Size:         stat.Size(),
			ContentType:  l.contentType(key),
			LastModified: stat.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *LocalBackend) contentType(key string) string {
	raw, err := os.ReadFile(l.path(key) + ctSuffix)
	if err != nil {
		return ""
	}
	return string(raw)
}
