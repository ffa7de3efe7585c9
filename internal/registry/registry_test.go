package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleRecord(gmid string) *Record {
	return &Record{
		GMID:          gmid,
		OriginalName:  "sunset.jpg",
		StoredPath:    "/media/photos/2026-01-01/sunset_123.jpg",
		ThumbnailPath: "/media/thumbnails/2026-01-01/" + gmid + ".jpg",
		MediaType:     "photo",
		SizeBytes:     1024,
		UploadTime:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Description:   "sunset",
		IndexState:    StatePending,
	}
}

func TestPutAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rec := sampleRecord("a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OriginalName != rec.OriginalName || got.IndexState != StatePending {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionCAS(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := sampleRecord("b1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.Transition(ctx, rec.GMID, StatePending, StateThumbnailReady, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	got, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != StateThumbnailReady {
		t.Fatalf("expected thumbnail_ready, got %s", got.IndexState)
	}

	// Stale CAS against the now-wrong prior state must fail.
	if err := r.Transition(ctx, rec.GMID, StatePending, StateThumbnailReady, ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale transition, got %v", err)
	}
}

func TestTransitionWithThumbnailPersistsPath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := sampleRecord("a2b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	rec.ThumbnailPath = ""
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.TransitionWithThumbnail(ctx, rec.GMID, "/media/thumbnails/2026-01-01/"+rec.GMID+".jpg"); err != nil {
		t.Fatalf("TransitionWithThumbnail: %v", err)
	}

	got, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != StateThumbnailReady {
		t.Fatalf("expected thumbnail_ready, got %s", got.IndexState)
	}
	if got.ThumbnailPath == "" {
		t.Fatal("expected thumbnail_path to be persisted")
	}

	// Stale CAS must fail and must not touch thumbnail_path.
	if err := r.TransitionWithThumbnail(ctx, rec.GMID, "/other.jpg"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale transition, got %v", err)
	}
	after, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.ThumbnailPath != got.ThumbnailPath {
		t.Fatalf("expected thumbnail_path unchanged by stale transition, got %q", after.ThumbnailPath)
	}
}

func TestIncrementAttemptsAndRetry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := sampleRecord("c1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	rec.IndexState = StateEmbeddingInFlight
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	attempts, err := r.IncrementAttemptsAndRetry(ctx, rec.GMID, StateEmbeddingInFlight, "timeout")
	if err != nil {
		t.Fatalf("IncrementAttemptsAndRetry: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	got, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != StateThumbnailReady {
		t.Fatalf("expected demotion to thumbnail_ready, got %s", got.IndexState)
	}
	if !got.LastError.Valid || got.LastError.String != "timeout" {
		t.Fatalf("expected last_error recorded, got %+v", got.LastError)
	}
}

func TestUpdateDescriptionDemotesIndexedRecord(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := sampleRecord("d1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	rec.IndexState = StateIndexed
	if err := r.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.UpdateDescription(ctx, rec.GMID, "new caption"); err != nil {
		t.Fatalf("UpdateDescription: %v", err)
	}

	got, err := r.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "new caption" {
		t.Fatalf("expected updated description, got %q", got.Description)
	}
	if got.IndexState != StateThumbnailReady {
		t.Fatalf("expected demotion to thumbnail_ready, got %s", got.IndexState)
	}
}

func TestListByState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	pending := sampleRecord("e1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	indexed := sampleRecord("f1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4")
	indexed.IndexState = StateIndexed

	if err := r.Put(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := r.Put(ctx, indexed); err != nil {
		t.Fatal(err)
	}

	recs, err := r.ListByState(ctx, StatePending, StateThumbnailReady, StateEmbeddingInFlight)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(recs) != 1 || recs[0].GMID != pending.GMID {
		t.Fatalf("expected only pending record, got %+v", recs)
	}
}

func TestListClampsPageSize(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := sampleRecord(gmidN(i))
		rec.UploadTime = rec.UploadTime.Add(time.Duration(i) * time.Hour)
		if err := r.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := r.List(ctx, 0, 0, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected limit clamped to 1, got %d results", len(recs))
	}
}

func TestListFiltersByMediaType(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	photo := sampleRecord(gmidN(10))
	photo.MediaType = "photo"
	video := sampleRecord(gmidN(11))
	video.MediaType = "video"
	for _, rec := range []*Record{photo, video} {
		if err := r.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := r.List(ctx, 0, 100, "video")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].MediaType != "video" {
		t.Fatalf("expected only the video record, got %+v", recs)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Delete(ctx, "0000000000000000000000000000ffff"[:32]); err != nil {
		t.Fatalf("expected nil error deleting missing record, got %v", err)
	}
}

func gmidN(i int) string {
	return fmt.Sprintf("%031x%x", 0, i)
}
