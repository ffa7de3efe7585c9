// Package ingest drives each uploaded media record from pending to
// indexed: thumbnail generation, concurrent text/image embedding, and
// the vector-index upsert, all mediated by CAS state transitions so a
// fixed worker pool can process records without locking.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/embeddings"
	"github.com/fyrsmithlabs/mediavault/internal/logging"
	"github.com/fyrsmithlabs/mediavault/internal/metrics"
	"github.com/fyrsmithlabs/mediavault/internal/registry"
	"github.com/fyrsmithlabs/mediavault/internal/store"
	"github.com/fyrsmithlabs/mediavault/internal/thumbnail"
	"github.com/fyrsmithlabs/mediavault/internal/vectorindex"
)

// Embedder is the subset of embeddings.Client the pipeline depends on,
// narrowed to an interface so tests can substitute a fake.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, jpegBytes []byte) ([]float32, error)
}

// Config configures the pipeline's worker pool and retry policy.
type Config struct {
	WorkerCount        int
	MaxAttempts        int
	QueueHighWaterMark int
	CollectionName     string
}

// Pipeline owns the fixed worker pool that advances media records
// through the index_state machine.
type Pipeline struct {
	cfg Config

	reg      *registry.Registry
	store    *store.Store
	embedder Embedder
	index    vectorindex.Client
	logger   *logging.Logger

	queue chan string
}

// New builds a Pipeline. Call Start to launch workers and Enqueue to
// feed it GMIDs.
func New(cfg Config, reg *registry.Registry, st *store.Store, embedder Embedder, index vectorindex.Client, logger *logging.Logger) *Pipeline {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.QueueHighWaterMark <= 0 {
		cfg.QueueHighWaterMark = 1024
	}
	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		store:    st,
		embedder: embedder,
		index:    index,
		logger:   logger,
		queue:    make(chan string, cfg.QueueHighWaterMark),
	}
}

// Enqueue submits a GMID for processing. It does not block on
// completion: upload handlers return while the record is still
// pending.
func (p *Pipeline) Enqueue(gmid string) {
	select {
	case p.queue <- gmid:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
	default:
		p.logger.Warn(context.Background(), "ingestion queue full, dropping enqueue; reconciliation will pick it up", zapGMID(gmid))
	}
}

// Start launches the fixed worker pool. It blocks until ctx is
// canceled, at which point workers drain in-flight items and return.
func (p *Pipeline) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		g.Go(func() error {
			return p.worker(gctx)
		})
	}
	return g.Wait()
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case gmid, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.processOnce(ctx, gmid)
		}
	}
}

// processOnce advances a single record by one step of the per-item
// algorithm, re-enqueueing itself when more steps remain.
func (p *Pipeline) processOnce(ctx context.Context, gmid string) {
	rec, err := p.reg.Get(ctx, gmid)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			p.logger.Error(ctx, "ingest: loading record failed", zapGMID(gmid), zapErr(err))
		}
		return
	}

	switch rec.IndexState {
	case registry.StatePending:
		p.runThumbnail(ctx, rec)
	case registry.StateThumbnailReady:
		p.runEmbedding(ctx, rec)
	default:
		// embedding_in_flight, indexed, failed: nothing to do here;
		// embedding_in_flight is only reached mid runEmbedding, which
		// drives its own transitions without re-entering the queue.
	}
}

func (p *Pipeline) runThumbnail(ctx context.Context, rec *registry.Record) {
	defer metrics.RecordIngestStage("thumbnail", time.Now())

	content, err := p.store.Read(rec.StoredPath)
	if err != nil {
		p.fail(ctx, rec.GMID, registry.StatePending, err)
		return
	}

	jpegBytes, err := thumbnail.Generate(content)
	if err != nil {
		jpegBytes, err = thumbnail.Placeholder()
	}
	if err != nil {
		p.fail(ctx, rec.GMID, registry.StatePending, err)
		return
	}

	thumbPath, err := p.store.WriteThumbnail(rec.GMID, jpegBytes, time.Now())
	if err != nil {
		p.fail(ctx, rec.GMID, registry.StatePending, err)
		return
	}

	if err := p.reg.TransitionWithThumbnail(ctx, rec.GMID, thumbPath); err != nil {
		p.logger.Warn(ctx, "ingest: thumbnail transition lost race", zapGMID(rec.GMID), zapErr(err))
		return
	}

	p.Enqueue(rec.GMID)
}

func (p *Pipeline) runEmbedding(ctx context.Context, rec *registry.Record) {
	defer metrics.RecordIngestStage("embedding", time.Now())

	if err := p.reg.Transition(ctx, rec.GMID, registry.StateThumbnailReady, registry.StateEmbeddingInFlight, ""); err != nil {
		return
	}

	thumbBytes, err := p.store.Read(rec.ThumbnailPath)
	if err != nil {
		p.failOrRetry(ctx, rec, err)
		return
	}

	var textVec, imageVec []float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := p.embedder.EmbedText(gctx, rec.Description)
		if err != nil {
			return err
		}
		textVec = v
		return nil
	})
	g.Go(func() error {
		v, err := p.embedder.EmbedImage(gctx, thumbBytes)
		if err != nil {
			return err
		}
		imageVec = v
		return nil
	})
	if err := g.Wait(); err != nil {
		p.failOrRetry(ctx, rec, err)
		return
	}

	point := &vectorindex.Point{
		GMID:     rec.GMID,
		TextVec:  textVec,
		ImageVec: imageVec,
		Payload:  recordPayload(rec),
	}
	if err := p.index.Upsert(ctx, p.cfg.CollectionName, []*vectorindex.Point{point}); err != nil {
		p.failOrRetry(ctx, rec, err)
		return
	}

	if err := p.reg.Transition(ctx, rec.GMID, registry.StateEmbeddingInFlight, registry.StateIndexed, ""); err != nil {
		p.logger.Warn(ctx, "ingest: indexed transition lost race", zapGMID(rec.GMID), zapErr(err))
	}
}

// failOrRetry classifies the error: transient failures are retried up
// to MaxAttempts, everything else fails the record immediately.
func (p *Pipeline) failOrRetry(ctx context.Context, rec *registry.Record, err error) {
	if !isTransient(err) {
		p.fail(ctx, rec.GMID, registry.StateEmbeddingInFlight, err)
		return
	}

	attempts, retryErr := p.reg.IncrementAttemptsAndRetry(ctx, rec.GMID, registry.StateEmbeddingInFlight, err.Error())
	if retryErr != nil {
		p.logger.Warn(ctx, "ingest: retry bookkeeping lost race", zapGMID(rec.GMID), zapErr(retryErr))
		return
	}
	if attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, rec.GMID, registry.StateThumbnailReady, fmt.Errorf("exceeded %d attempts: %w", p.cfg.MaxAttempts, err))
		return
	}
	p.Enqueue(rec.GMID)
}

func (p *Pipeline) fail(ctx context.Context, gmid string, from registry.IndexState, cause error) {
	if err := p.reg.Transition(ctx, gmid, from, registry.StateFailed, cause.Error()); err != nil {
		p.logger.Warn(ctx, "ingest: fail transition lost race", zapGMID(gmid), zapErr(err))
		return
	}
	metrics.IngestRecordsFailed.Inc()
}

func isTransient(err error) bool {
	return errors.Is(err, embeddings.ErrTransient) ||
		errors.Is(err, embeddings.ErrRateLimited) ||
		errors.Is(err, embeddings.ErrTimeout) ||
		errors.Is(err, apperr.ErrDependency)
}

func zapGMID(gmid string) zap.Field { return zap.String("gmid", gmid) }
func zapErr(err error) zap.Field    { return zap.Error(err) }

func recordPayload(rec *registry.Record) map[string]any {
	payload := map[string]any{
		"original_name":  rec.OriginalName,
		"stored_path":    rec.StoredPath,
		"thumbnail_path": rec.ThumbnailPath,
		"media_type":     rec.MediaType,
		"description":    rec.Description,
		"upload_time":    rec.UploadTime.Format(time.RFC3339),
		"size_bytes":     rec.SizeBytes,
		"schema_version": rec.SchemaVersion,
	}
	if rec.Width.Valid {
		payload["width"] = rec.Width.Int64
	}
	if rec.Height.Valid {
		payload["height"] = rec.Height.Int64
	}
	if rec.DurationMs.Valid {
		payload["duration_ms"] = rec.DurationMs.Int64
	}
	return payload
}

// Reconcile scans the registry for non-terminal records and
// re-enqueues them, and demotes any indexed record whose GMID is
// absent from the vector index. Run once at startup.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	pending, err := p.reg.ListByState(ctx, registry.StatePending, registry.StateThumbnailReady, registry.StateEmbeddingInFlight)
	if err != nil {
		return fmt.Errorf("ingest: reconcile listing non-terminal records: %w", err)
	}
	for _, rec := range pending {
		if rec.IndexState == registry.StateEmbeddingInFlight {
			// A crash mid-flight leaves no partial vector-index write;
			// demote back to thumbnail_ready so it re-enters cleanly.
			_ = p.reg.Transition(ctx, rec.GMID, registry.StateEmbeddingInFlight, registry.StateThumbnailReady, "reconciled after restart")
		}
		p.Enqueue(rec.GMID)
	}

	indexed, err := p.reg.ListByState(ctx, registry.StateIndexed)
	if err != nil {
		return fmt.Errorf("ingest: reconcile listing indexed records: %w", err)
	}
	for _, rec := range indexed {
		points, err := p.index.Get(ctx, p.cfg.CollectionName, []string{rec.GMID})
		if err != nil || len(points) == 0 {
			if err := p.reg.Transition(ctx, rec.GMID, registry.StateIndexed, registry.StateThumbnailReady, "absent from vector index"); err == nil {
				p.Enqueue(rec.GMID)
			}
		}
	}
	return nil
}

// ReembedDescription is invoked by the description-edit API after the
// registry has already demoted the record to thumbnail_ready. It
// preserves the cached image vector by reading it back from the
// vector index rather than re-rendering the thumbnail and
// re-embedding the image.
func (p *Pipeline) ReembedDescription(ctx context.Context, gmid string) error {
	rec, err := p.reg.Get(ctx, gmid)
	if err != nil {
		return err
	}
	if rec.IndexState != registry.StateThumbnailReady {
		return fmt.Errorf("%w: %s not ready for re-embedding (state=%s)", apperr.ErrConflict, gmid, rec.IndexState)
	}

	if err := p.reg.Transition(ctx, gmid, registry.StateThumbnailReady, registry.StateEmbeddingInFlight, ""); err != nil {
		return err
	}

	points, err := p.index.Get(ctx, p.cfg.CollectionName, []string{gmid})
	if err != nil {
		p.failOrRetry(ctx, rec, err)
		return err
	}

	var cachedImageVec []float32
	if len(points) > 0 {
		cachedImageVec = points[0].ImageVec
	}

	textVec, err := p.embedder.EmbedText(ctx, rec.Description)
	if err != nil {
		p.failOrRetry(ctx, rec, err)
		return err
	}

	if cachedImageVec == nil {
		thumbBytes, err := p.store.Read(rec.ThumbnailPath)
		if err != nil {
			p.failOrRetry(ctx, rec, err)
			return err
		}
		cachedImageVec, err = p.embedder.EmbedImage(ctx, thumbBytes)
		if err != nil {
			p.failOrRetry(ctx, rec, err)
			return err
		}
	}

	point := &vectorindex.Point{
		GMID:     gmid,
		TextVec:  textVec,
		ImageVec: cachedImageVec,
		Payload:  recordPayload(rec),
	}
	if err := p.index.Upsert(ctx, p.cfg.CollectionName, []*vectorindex.Point{point}); err != nil {
		p.failOrRetry(ctx, rec, err)
		return err
	}

	return p.reg.Transition(ctx, gmid, registry.StateEmbeddingInFlight, registry.StateIndexed, "")
}
