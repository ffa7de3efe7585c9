// Package store implements the date-partitioned filesystem layout that
// holds original media bytes (named by stem and upload timestamp) and
// their thumbnails (named by gmid). It is the only component that touches the filesystem
// directly.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/gmid"
)

// MediaType distinguishes the two placement roots.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

var photoExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".webp": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".hevc": true, ".avi": true,
}

// Store places original bytes and thumbnails under a root directory
// using the placement rule
// <root>/<photos|videos>/<YYYY-MM-DD>/<stem>_<unix_ts_ms>.<ext>.
type Store struct {
	root        string
	maxFileSize int64
}

// New returns a Store rooted at root. The directory is created if
// absent.
func New(root string, maxFileSize int64) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store: root is required")
	}
	for _, sub := range []string{"photos", "videos", "thumbnails"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", sub, err)
		}
	}
	return &Store{root: root, maxFileSize: maxFileSize}, nil
}

// ClassifyExtension validates originalName's extension against the
// supported format whitelists and returns the inferred media type.
func ClassifyExtension(originalName string) (MediaType, string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	switch {
	case photoExtensions[ext]:
		return MediaPhoto, ext, nil
	case videoExtensions[ext]:
		return MediaVideo, ext, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported extension %q", apperr.ErrUnsupportedMediaType, ext)
	}
}

// Stored is the result of a successful Store call.
type Stored struct {
	GMID         string
	StoredPath   string
	ThumbnailDir string
}

// Store persists content under the date-partitioned layout and
// returns the derived gmid and paths. It does not generate the
// thumbnail itself; callers pass the thumbnail bytes separately via
// WriteThumbnail once one has been rendered.
func (s *Store) Store(content []byte, originalName string, mediaType MediaType, now time.Time) (*Stored, error) {
	if int64(len(content)) > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", apperr.ErrPayloadTooLarge, len(content), s.maxFileSize)
	}

	id := gmid.FromBytes(content)
	_, ext, err := ClassifyExtension(originalName)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	stem = sanitizeStem(stem)

	day := now.UTC().Format("2006-01-02")
	dirName := mediaDir(mediaType)
	dir := filepath.Join(s.root, dirName, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating partition dir: %w", err)
	}

	path, err := s.writeWithCollisionResolution(dir, stem, ext, now, content)
	if err != nil {
		return nil, err
	}

	return &Stored{
		GMID:         id,
		StoredPath:   path,
		ThumbnailDir: filepath.Join(s.root, "thumbnails", day),
	}, nil
}

// writeWithCollisionResolution implements the naming scheme
// <stem>_<unix_ts_ms>.<ext>, appending a 4-hex counter on the rare
// millisecond tie.
func (s *Store) writeWithCollisionResolution(dir, stem, ext string, now time.Time, content []byte) (string, error) {
	tsMillis := now.UnixMilli()
	base := fmt.Sprintf("%s_%d%s", stem, tsMillis, ext)
	path := filepath.Join(dir, base)

	for attempt := 0; attempt < 16; attempt++ {
		if attempt > 0 {
			base = fmt.Sprintf("%s_%d_%04x%s", stem, tsMillis, attempt, ext)
			path = filepath.Join(dir, base)
		}

		if err := atomicWrite(path, content); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("store: exhausted collision-resolution attempts for %s", base)
}

// WriteThumbnail persists thumbnail bytes (always JPEG) under
// thumbnails/YYYY-MM-DD/<gmid>.jpg, overwriting any prior version.
func (s *Store) WriteThumbnail(id string, jpegBytes []byte, now time.Time) (string, error) {
	day := now.UTC().Format("2006-01-02")
	dir := filepath.Join(s.root, "thumbnails", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: creating thumbnail dir: %w", err)
	}
	path := filepath.Join(dir, id+".jpg")
	if err := atomicOverwrite(path, jpegBytes); err != nil {
		return "", fmt.Errorf("store: writing thumbnail: %w", err)
	}
	return path, nil
}

// Read returns the bytes at storedPath, which must be an
// already-validated path previously returned by Store/WriteThumbnail.
func (s *Store) Read(storedPath string) ([]byte, error) {
	b, err := os.ReadFile(storedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, storedPath)
		}
		return nil, fmt.Errorf("store: reading %s: %w", storedPath, err)
	}
	return b, nil
}

// Delete removes storedPath. Missing files are not an error: delete
// is idempotent so cascades can retry freely.
func (s *Store) Delete(storedPath string) error {
	if storedPath == "" {
		return nil
	}
	if err := os.Remove(storedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: deleting %s: %w", storedPath, err)
	}
	return nil
}

func mediaDir(mt MediaType) string {
	if mt == MediaVideo {
		return "videos"
	}
	return "photos"
}

// atomicWrite creates path exclusively (failing with os.ErrExist on a
// collision) via a temp file + fsync + rename.
func atomicWrite(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return os.ErrExist
	}
	return writeViaTemp(path, content)
}

// atomicOverwrite writes path via temp file + fsync + rename,
// replacing any existing file.
func atomicOverwrite(path string, content []byte) error {
	return writeViaTemp(path, content)
}

func writeViaTemp(path string, content []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func sanitizeStem(stem string) string {
	stem = strings.TrimSpace(stem)
	if stem == "" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "upload"
	}
	return out
}
