package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"folio/media/internal/apperr"
	"folio/media/internal/media/geometry"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "https://cdn.test/media/")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	url, err := s.Put(ctx, []byte("hello"), "sources/a/b.jpg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://cdn.test/media/sources/a/b.jpg" {
		t.Fatalf("url = %s", url)
	}
	ok, err := s.Exists(ctx, "sources/a/b.jpg")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	data, err := s.Get(ctx, "sources/a/b.jpg")
	if err != nil || string(data) != "hello" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if err := s.Delete(ctx, "sources/a/b.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "sources/a/b.jpg"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "sources/a/b.jpg"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func TestLocalStorePutIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Put(ctx, []byte("v1"), "x/y.png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, []byte("v1"), "x/y.png"); err != nil {
		t.Fatalf("idempotent Put: %v", err)
	}
	_, err := s.Put(ctx, []byte("v2"), "x/y.png")
	if !errors.Is(err, apperr.ErrBlobWriteFailed) {
		t.Fatalf("overwrite err = %v", err)
	}
	if data, _ := s.Get(ctx, "x/y.png"); string(data) != "v1" {
		t.Fatalf("blob content changed to %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "x"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, p := range []string{"../evil", "/abs/path", "a/../../b", ""} {
		if _, err := s.Put(ctx, []byte("x"), p); !errors.Is(err, apperr.ErrInvalidArgument) {
			t.Errorf("Put(%q) err = %v", p, err)
		}
	}
}

func TestLocalStoreWriteFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	// A file where a directory is expected makes MkdirAll fail.
	if err := os.WriteFile(filepath.Join(s.Root(), "blocked"), []byte("file"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Put(ctx, []byte("x"), "blocked/child.jpg")
	if !errors.Is(err, apperr.ErrBlobWriteFailed) || !apperr.Retryable(err) {
		t.Fatalf("err = %v, want retryable ErrBlobWriteFailed", err)
	}
}

func TestPathsAreUnique(t *testing.T) {
	a := VariantPath("asset", "thumbnail", geometry.JPEG)
	b := VariantPath("asset", "thumbnail", geometry.JPEG)
	if a == b {
		t.Fatalf("VariantPath repeated %s", a)
	}
	if !strings.HasPrefix(a, "variants/asset/thumbnail-") || !strings.HasSuffix(a, ".jpg") {
		t.Fatalf("VariantPath = %s", a)
	}
	if p := SourcePath("asset", "png"); !strings.HasPrefix(p, "sources/asset/") || !strings.HasSuffix(p, ".png") {
		t.Fatalf("SourcePath = %s", p)
	}
}
