// Package vectorindex adapts the Qdrant gRPC client to this system's
// two-named-vector-per-point schema: every point carries a
// text_embedding and an image_embedding vector, both of dimension D,
// under cosine distance.
package vectorindex

import (
	"context"
)

// Point is one indexed media item. Either vector may be nil while the
// other is being (re-)computed, but Upsert refuses a point missing
// either one, so every stored point carries both slots the collection
// declares.
type Point struct {
	GMID     string
	TextVec  []float32
	ImageVec []float32
	Payload  map[string]any
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	GMID    string
	Score   float32
	Payload map[string]any
}

// Stats summarizes a collection.
type Stats struct {
	PointCount uint64
	Dim        uint64
}

// VectorName identifies which named vector a search targets.
type VectorName string

const (
	TextEmbedding  VectorName = "text_embedding"
	ImageEmbedding VectorName = "image_embedding"
)

// Client is the vector index contract the ingestion pipeline and
// search engine depend on.
type Client interface {
	EnsureCollection(ctx context.Context, collection string, dim uint64, allowDestructiveMigration bool) error
	Upsert(ctx context.Context, collection string, points []*Point) error
	Search(ctx context.Context, collection string, vectorName VectorName, queryVec []float32, limit uint64, scoreThreshold float32) ([]*ScoredPoint, error)
	Get(ctx context.Context, collection string, gmids []string) ([]*Point, error)
	Delete(ctx context.Context, collection string, gmids []string) error
	Stats(ctx context.Context, collection string) (*Stats, error)
	Health(ctx context.Context) error
	Close() error
}
