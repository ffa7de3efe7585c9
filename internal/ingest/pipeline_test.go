package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/embeddings"
	"github.com/fyrsmithlabs/mediavault/internal/logging"
	"github.com/fyrsmithlabs/mediavault/internal/registry"
	"github.com/fyrsmithlabs/mediavault/internal/store"
	"github.com/fyrsmithlabs/mediavault/internal/vectorindex"
)

const testCollection = "media"

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, err := registry.Open(path)
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), 10<<20)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return st
}

func putPendingRecord(t *testing.T, reg *registry.Registry, st *store.Store, gmid, description string) *registry.Record {
	t.Helper()
	stored, err := st.Store([]byte("fake-jpeg-bytes-"+gmid), "photo.jpg", store.MediaPhoto, time.Now())
	if err != nil {
		t.Fatalf("storing content: %v", err)
	}
	rec := &registry.Record{
		GMID:         gmid,
		OriginalName: "photo.jpg",
		StoredPath:   stored.StoredPath,
		MediaType:    string(store.MediaPhoto),
		SizeBytes:    10,
		UploadTime:   time.Now(),
		Description:  description,
		IndexState:   registry.StatePending,
	}
	if err := reg.Put(context.Background(), rec); err != nil {
		t.Fatalf("putting record: %v", err)
	}
	return rec
}

// fakeEmbedder implements Embedder with configurable behavior per call.
type fakeEmbedder struct {
	mu        sync.Mutex
	textErr   error
	imageErr  error
	textCalls int
	imageCalls int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.textCalls++
	f.mu.Unlock()
	if f.textErr != nil {
		return nil, f.textErr
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, jpegBytes []byte) ([]float32, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return []float32{0, 1, 0}, nil
}

// fakeIndex implements vectorindex.Client in memory.
type fakeIndex struct {
	mu         sync.Mutex
	points     map[string]*vectorindex.Point
	upsertErr  error
	getErr     error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string]*vectorindex.Point)}
}

func (f *fakeIndex) EnsureCollection(ctx context.Context, collection string, dim uint64, allowDestructiveMigration bool) error {
	return nil
}

func (f *fakeIndex) Upsert(ctx context.Context, collection string, points []*vectorindex.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		f.points[p.GMID] = p
	}
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, collection string, vectorName vectorindex.VectorName, queryVec []float32, limit uint64, scoreThreshold float32) ([]*vectorindex.ScoredPoint, error) {
	return nil, nil
}

func (f *fakeIndex) Get(ctx context.Context, collection string, gmids []string) ([]*vectorindex.Point, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*vectorindex.Point
	for _, id := range gmids {
		if p, ok := f.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeIndex) Delete(ctx context.Context, collection string, gmids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range gmids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeIndex) Stats(ctx context.Context, collection string) (*vectorindex.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &vectorindex.Stats{PointCount: uint64(len(f.points))}, nil
}

func (f *fakeIndex) Health(ctx context.Context) error { return nil }
func (f *fakeIndex) Close() error                     { return nil }

func testGMID(n byte) string {
	b := make([]byte, 16)
	b[15] = n
	return hexString(b)
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func newPipelineForTest(reg *registry.Registry, st *store.Store, embedder Embedder, index vectorindex.Client) *Pipeline {
	return New(Config{WorkerCount: 1, MaxAttempts: 3, CollectionName: testCollection}, reg, st, embedder, index, logging.NewNop())
}

func TestRunThumbnailTransitionsToThumbnailReady(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	rec := putPendingRecord(t, reg, st, testGMID(1), "a cat")

	p := newPipelineForTest(reg, st, &fakeEmbedder{}, newFakeIndex())
	p.runThumbnail(context.Background(), rec)

	got, err := reg.Get(context.Background(), rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != registry.StateThumbnailReady {
		t.Fatalf("expected state thumbnail_ready, got %s", got.IndexState)
	}
	if got.ThumbnailPath == "" {
		t.Fatal("expected thumbnail_path to be persisted on the reloaded record")
	}
}

func TestRunEmbeddingIndexesAndTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	rec := putPendingRecord(t, reg, st, testGMID(2), "a dog")

	index := newFakeIndex()
	p := newPipelineForTest(reg, st, &fakeEmbedder{}, index)

	ctx := context.Background()
	p.runThumbnail(ctx, rec)
	rec, err := reg.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.runEmbedding(ctx, rec)

	got, err := reg.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get after embedding: %v", err)
	}
	if got.IndexState != registry.StateIndexed {
		t.Fatalf("expected state indexed, got %s", got.IndexState)
	}
	if _, ok := index.points[rec.GMID]; !ok {
		t.Fatal("expected point to be upserted")
	}
}

func TestFailOrRetryRetriesTransientThenFails(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	rec := putPendingRecord(t, reg, st, testGMID(3), "fails forever")

	embedder := &fakeEmbedder{textErr: embeddings.ErrTransient}
	p := newPipelineForTest(reg, st, embedder, newFakeIndex())
	p.cfg.MaxAttempts = 2

	ctx := context.Background()
	p.runThumbnail(ctx, rec)
	rec, _ = reg.Get(ctx, rec.GMID)

	// Each runEmbedding call transitions to embedding_in_flight, fails,
	// and either re-enqueues (drained here manually) or fails terminally.
	for i := 0; i < p.cfg.MaxAttempts+1; i++ {
		current, err := reg.Get(ctx, rec.GMID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if current.IndexState == registry.StateFailed {
			break
		}
		p.runEmbedding(ctx, current)
		// drain any self-requeue so the loop terminates deterministically
		select {
		case <-p.queue:
		default:
		}
	}

	final, err := reg.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.IndexState != registry.StateFailed {
		t.Fatalf("expected state failed after exhausting retries, got %s", final.IndexState)
	}
}

func TestFailOrRetryFailsImmediatelyOnPermanentError(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	rec := putPendingRecord(t, reg, st, testGMID(4), "rejected")

	embedder := &fakeEmbedder{textErr: embeddings.ErrRejected}
	p := newPipelineForTest(reg, st, embedder, newFakeIndex())

	ctx := context.Background()
	p.runThumbnail(ctx, rec)
	rec, _ = reg.Get(ctx, rec.GMID)
	p.runEmbedding(ctx, rec)

	got, err := reg.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != registry.StateFailed {
		t.Fatalf("expected immediate failure on non-transient error, got %s", got.IndexState)
	}
}

func TestReconcileRequeuesNonTerminalAndDemotesMissingIndexed(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	ctx := context.Background()

	stuck := putPendingRecord(t, reg, st, testGMID(5), "stuck mid flight")
	if err := reg.Transition(ctx, stuck.GMID, registry.StatePending, registry.StateThumbnailReady, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := reg.Transition(ctx, stuck.GMID, registry.StateThumbnailReady, registry.StateEmbeddingInFlight, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	orphanIndexed := putPendingRecord(t, reg, st, testGMID(6), "indexed but missing from vector db")
	if err := reg.Transition(ctx, orphanIndexed.GMID, registry.StatePending, registry.StateThumbnailReady, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := reg.Transition(ctx, orphanIndexed.GMID, registry.StateThumbnailReady, registry.StateEmbeddingInFlight, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := reg.Transition(ctx, orphanIndexed.GMID, registry.StateEmbeddingInFlight, registry.StateIndexed, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	index := newFakeIndex()
	p := newPipelineForTest(reg, st, &fakeEmbedder{}, index)

	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	gotStuck, err := reg.Get(ctx, stuck.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotStuck.IndexState != registry.StateThumbnailReady {
		t.Fatalf("expected stuck record demoted to thumbnail_ready, got %s", gotStuck.IndexState)
	}

	gotOrphan, err := reg.Get(ctx, orphanIndexed.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotOrphan.IndexState != registry.StateThumbnailReady {
		t.Fatalf("expected orphaned indexed record demoted, got %s", gotOrphan.IndexState)
	}

	if len(p.queue) != 2 {
		t.Fatalf("expected both records re-enqueued, queue len=%d", len(p.queue))
	}
}

func TestReembedDescriptionPreservesCachedImageVector(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	ctx := context.Background()

	rec := putPendingRecord(t, reg, st, testGMID(7), "original description")
	index := newFakeIndex()
	embedder := &fakeEmbedder{}
	p := newPipelineForTest(reg, st, embedder, index)

	p.runThumbnail(ctx, rec)
	rec, _ = reg.Get(ctx, rec.GMID)
	p.runEmbedding(ctx, rec)

	cachedImageVec := index.points[rec.GMID].ImageVec

	if err := reg.UpdateDescription(ctx, rec.GMID, "new description"); err != nil {
		t.Fatalf("UpdateDescription: %v", err)
	}

	if err := p.ReembedDescription(ctx, rec.GMID); err != nil {
		t.Fatalf("ReembedDescription: %v", err)
	}

	if embedder.imageCalls != 1 {
		t.Fatalf("expected image embedding to run exactly once (during initial embed), got %d calls", embedder.imageCalls)
	}

	got, err := reg.Get(ctx, rec.GMID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IndexState != registry.StateIndexed {
		t.Fatalf("expected state indexed after re-embed, got %s", got.IndexState)
	}

	updatedPoint := index.points[rec.GMID]
	if !floatsEqual(updatedPoint.ImageVec, cachedImageVec) {
		t.Fatalf("expected cached image vector to be preserved across description edit")
	}
}

func TestReembedDescriptionRejectsWrongState(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	rec := putPendingRecord(t, reg, st, testGMID(8), "still pending")

	p := newPipelineForTest(reg, st, &fakeEmbedder{}, newFakeIndex())
	err := p.ReembedDescription(context.Background(), rec.GMID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict for a record not in thumbnail_ready, got %v", err)
	}
}

func floatsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
