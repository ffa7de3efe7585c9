// Package search implements the three retrieval modes over the vector
// index: text query, image query, and similar-to-existing. All three
// enforce server-side thresholds and produce a single SearchResponse
// shape, modeled on the teacher's vectorstore.Service Search pair.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/mediavault/internal/metrics"
	"github.com/fyrsmithlabs/mediavault/internal/thumbnail"
	"github.com/fyrsmithlabs/mediavault/internal/vectorindex"
)

const (
	defaultK = 20
	minK     = 1
	maxK     = 100
)

// Embedder is the subset of embeddings.Client search depends on.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, jpegBytes []byte) ([]float32, error)
}

// Thresholds are the server-enforced score floors. Clients never
// supply their own; see SPEC_FULL.md §4.6.
type Thresholds struct {
	TextToText  float32
	TextToImage float32
	ImageSearch float32
}

// Engine answers the three query modes against a single collection.
type Engine struct {
	index      vectorindex.Client
	embedder   Embedder
	collection string
	thresholds Thresholds
}

// New builds an Engine.
func New(index vectorindex.Client, embedder Embedder, collection string, thresholds Thresholds) *Engine {
	return &Engine{index: index, embedder: embedder, collection: collection, thresholds: thresholds}
}

// Result is one ranked hit.
type Result struct {
	GMID    string         `json:"gmid"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Response is the uniform shape all three modes return.
type Response struct {
	Success       bool      `json:"success"`
	Query         string    `json:"query,omitempty"`
	Results       []Result  `json:"results"`
	Total         int       `json:"total"`
	TookSeconds   float64   `json:"took_seconds"`
	ThresholdUsed float32   `json:"threshold_used"`
}

func clampK(k int) uint64 {
	if k <= 0 {
		k = defaultK
	}
	if k < minK {
		k = minK
	}
	if k > maxK {
		k = maxK
	}
	return uint64(k)
}

// TextQuery is Mode A: text → content. It embeds the query once and
// issues two parallel named-vector searches, merging hits by GMID
// with max(score_tt, score_ti).
func (e *Engine) TextQuery(ctx context.Context, query string, k int) (*Response, error) {
	started := time.Now()
	defer metrics.RecordSearchRequest("text", started)
	limit := clampK(k)

	vec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embedding query text: %w", err)
	}

	var tt, ti []*vectorindex.ScoredPoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.index.Search(gctx, e.collection, vectorindex.TextEmbedding, vec, limit, e.thresholds.TextToText)
		if err != nil {
			return fmt.Errorf("text-to-text search: %w", err)
		}
		tt = hits
		return nil
	})
	g.Go(func() error {
		hits, err := e.index.Search(gctx, e.collection, vectorindex.ImageEmbedding, vec, limit, e.thresholds.TextToImage)
		if err != nil {
			return fmt.Errorf("text-to-image search: %w", err)
		}
		ti = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeMax(tt, ti)
	results := topK(merged, int(limit))

	return &Response{
		Success:       true,
		Query:         query,
		Results:       results,
		Total:         len(results),
		TookSeconds:   time.Since(started).Seconds(),
		ThresholdUsed: e.thresholds.TextToText,
	}, nil
}

// ImageQuery is Mode B: image → content. jpegBytes is the raw uploaded
// image; ImageQuery renders the in-memory preview itself with
// thumbnail.Generate (same pipeline as thumbnailing), falling back to
// thumbnail.Placeholder when the bytes cannot be decoded.
func (e *Engine) ImageQuery(ctx context.Context, jpegBytes []byte, k int) (*Response, error) {
	started := time.Now()
	defer metrics.RecordSearchRequest("image", started)
	limit := clampK(k)

	preview, err := thumbnail.Generate(jpegBytes)
	if err != nil {
		preview, err = thumbnail.Placeholder()
		if err != nil {
			return nil, fmt.Errorf("search: preparing image preview: %w", err)
		}
	}

	vec, err := e.embedder.EmbedImage(ctx, preview)
	if err != nil {
		return nil, fmt.Errorf("search: embedding query image: %w", err)
	}

	hits, err := e.index.Search(ctx, e.collection, vectorindex.ImageEmbedding, vec, limit, e.thresholds.ImageSearch)
	if err != nil {
		return nil, fmt.Errorf("search: image search: %w", err)
	}

	results := toResults(hits)
	return &Response{
		Success:       true,
		Results:       results,
		Total:         len(results),
		TookSeconds:   time.Since(started).Seconds(),
		ThresholdUsed: e.thresholds.ImageSearch,
	}, nil
}

// ErrNotIndexed is returned by SimilarTo when the reference GMID has
// no image_embedding vector yet.
var ErrNotIndexed = errors.New("search: reference gmid has no indexed image vector")

// SimilarTo is Mode C: content → similar. It reads the reference
// point's image_embedding back from the index (no re-embedding),
// searches K+1 neighbors, and strips the self-match.
func (e *Engine) SimilarTo(ctx context.Context, gmid string, k int) (*Response, error) {
	started := time.Now()
	defer metrics.RecordSearchRequest("similar", started)
	limit := clampK(k)

	points, err := e.index.Get(ctx, e.collection, []string{gmid})
	if err != nil {
		return nil, fmt.Errorf("search: fetching reference point: %w", err)
	}
	if len(points) == 0 || len(points[0].ImageVec) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, gmid)
	}

	hits, err := e.index.Search(ctx, e.collection, vectorindex.ImageEmbedding, points[0].ImageVec, limit+1, e.thresholds.ImageSearch)
	if err != nil {
		return nil, fmt.Errorf("search: similarity search: %w", err)
	}

	filtered := make([]*vectorindex.ScoredPoint, 0, len(hits))
	for _, h := range hits {
		if h.GMID == gmid {
			continue
		}
		filtered = append(filtered, h)
	}
	if len(filtered) > int(limit) {
		filtered = filtered[:limit]
	}

	results := toResults(filtered)
	return &Response{
		Success:       true,
		Results:       results,
		Total:         len(results),
		TookSeconds:   time.Since(started).Seconds(),
		ThresholdUsed: e.thresholds.ImageSearch,
	}, nil
}

// mergeMax combines two scored-point lists by GMID, keeping the higher
// score where a GMID appears in both.
func mergeMax(a, b []*vectorindex.ScoredPoint) map[string]*vectorindex.ScoredPoint {
	merged := make(map[string]*vectorindex.ScoredPoint, len(a)+len(b))
	for _, p := range a {
		merged[p.GMID] = p
	}
	for _, p := range b {
		if existing, ok := merged[p.GMID]; !ok || p.Score > existing.Score {
			merged[p.GMID] = p
		}
	}
	return merged
}

func topK(merged map[string]*vectorindex.ScoredPoint, k int) []Result {
	flat := make([]*vectorindex.ScoredPoint, 0, len(merged))
	for _, p := range merged {
		flat = append(flat, p)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].Score > flat[j].Score })
	if len(flat) > k {
		flat = flat[:k]
	}
	return toResults(flat)
}

func toResults(points []*vectorindex.ScoredPoint) []Result {
	out := make([]Result, 0, len(points))
	for _, p := range points {
		out = append(out, Result{GMID: p.GMID, Score: p.Score, Payload: p.Payload})
	}
	return out
}
