package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(root, 10*1024*1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStorePlacementRule(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	got, err := s.Store([]byte("hello world"), "vacation photo.jpg", MediaPhoto, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	want := filepath.Join(s.root, "photos", "2026-03-14")
	if filepath.Dir(got.StoredPath) != want {
		t.Fatalf("expected dir %s, got %s", want, filepath.Dir(got.StoredPath))
	}
	if filepath.Ext(got.StoredPath) != ".jpg" {
		t.Fatalf("expected .jpg extension, got %s", got.StoredPath)
	}

	content, err := s.Read(got.StoredPath)
	if err != nil || string(content) != "hello world" {
		t.Fatalf("Read roundtrip failed: %v %q", err, content)
	}
}

func TestStoreDeterministicGMID(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	a, err := s.Store([]byte("same bytes"), "a.png", MediaPhoto, now)
	if err != nil {
		t.Fatalf("Store a: %v", err)
	}
	b, err := s.Store([]byte("same bytes"), "b.png", MediaPhoto, now)
	if err != nil {
		t.Fatalf("Store b: %v", err)
	}
	if a.GMID != b.GMID {
		t.Fatalf("expected identical content to collapse to one gmid, got %s vs %s", a.GMID, b.GMID)
	}
}

func TestStoreRejectsUnsupportedExtension(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store([]byte("data"), "doc.pdf", MediaPhoto, time.Now())
	if !errors.Is(err, apperr.ErrUnsupportedMediaType) {
		t.Fatalf("expected ErrUnsupportedMediaType, got %v", err)
	}
}

func TestStoreRejectsOversizedPayload(t *testing.T) {
	s := newTestStore(t)
	big := make([]byte, 11*1024*1024)
	_, err := s.Store(big, "huge.mp4", MediaVideo, time.Now())
	if !errors.Is(err, apperr.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestStoreCollisionResolution(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	dir := filepath.Join(s.root, "photos", "2026-01-01")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(dir, fmt.Sprintf("img_%d.jpg", now.UnixMilli()))
	if err := os.WriteFile(existing, []byte("pre-existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Store([]byte("new content"), "img.jpg", MediaPhoto, now)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.StoredPath == existing {
		t.Fatalf("expected collision-resolved path, got same as pre-existing file")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(filepath.Join(s.root, "photos", "missing.jpg")); err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
}

func TestWriteThumbnailOverwrites(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	path1, err := s.WriteThumbnail("abc123", []byte("v1"), now)
	if err != nil {
		t.Fatalf("WriteThumbnail: %v", err)
	}
	path2, err := s.WriteThumbnail("abc123", []byte("v2"), now)
	if err != nil {
		t.Fatalf("WriteThumbnail overwrite: %v", err)
	}
	if path1 != path2 {
		t.Fatalf("expected stable thumbnail path, got %s vs %s", path1, path2)
	}
	content, err := s.Read(path2)
	if err != nil || string(content) != "v2" {
		t.Fatalf("expected overwritten content v2, got %v %q", err, content)
	}
}
