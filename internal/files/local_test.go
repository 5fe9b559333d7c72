package files

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stratabase/strata/internal/domain"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	info, err := b.Put(ctx, "avatars/u1.png", strings.NewReader("png-bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len("png-bytes")) {
		t.Fatalf("size: got %d", info.Size)
	}

	rc, got, err := b.Get(ctx, "avatars/u1.png")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "png-bytes" {
		t.Fatalf("body: %q", body)
	}
	if got.ContentType != "image/png" {
		t.Fatalf("content type lost: %q", got.ContentType)
	}
}

func TestPutOverwrites(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	b.Put(ctx, "doc.txt", strings.NewReader("v1"), "text/plain")
	if _, err := b.Put(ctx, "doc.txt", strings.NewReader("version-two"), "text/plain"); err != nil {
		t.Fatal(err)
	}

	rc, info, err := b.Get(ctx, "doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "version-two" || info.Size != int64(len("version-two")) {
		t.Fatalf("overwrite not visible: %q size=%d", body, info.Size)
	}
}

func TestMissingKeyIsNotFound(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, _, err := b.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := b.Stat(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stat: %v", err)
	}
	if err := b.Delete(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete: %v", err)
	}
}

func TestDeleteRemovesObjectAndMetadata(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	b.Put(ctx, "tmp/x", strings.NewReader("x"), "text/plain")
	if err := b.Delete(ctx, "tmp/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(ctx, "tmp/x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stat after delete: %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	bad := []string{"", "/abs", "a/../escape", "a//b", strings.Repeat("k", 600)}
	for _, key := range bad {
		if _, err := b.Put(ctx, key, strings.NewReader("x"), ""); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("key %q: want ErrValidation, got %v", key, err)
		}
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	b.Put(ctx, "a/1", strings.NewReader("1"), "")
	b.Put(ctx, "a/2", strings.NewReader("2"), "text/plain")
	b.Put(ctx, "b/3", strings.NewReader("3"), "")

	got, err := b.List(ctx, "a/", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "a/1" || got[1].Key != "a/2" {
		t.Fatalf("prefix list: %+v", got)
	}

	capped, err := b.List(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Fatalf("limit not applied: %d entries", len(capped))
	}
}
