package vectorindex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/mediavault/internal/logging"
)

// Config configures the Qdrant gRPC connection.
type Config struct {
	Host           string
	Port           int
	UseTLS         bool
	APIKey         string
	MaxMessageSize int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RetryAttempts  int
}

// DefaultConfig mirrors the teacher's local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           6334,
		MaxMessageSize: 50 * 1024 * 1024,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
	}
}

// GRPCClient implements Client using Qdrant's official Go client.
type GRPCClient struct {
	client *qdrant.Client
	config *Config
	logger *logging.Logger
}

// NewGRPCClient dials Qdrant and confirms it is reachable.
func NewGRPCClient(ctx context.Context, config *Config, logger *logging.Logger) (*GRPCClient, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: creating qdrant client: %w", err)
	}

	gc := &GRPCClient{client: client, config: config, logger: logger}

	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := gc.Health(dialCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("vectorindex: health check failed: %w", err)
	}
	logger.Info(ctx, "vector index connection established", zap.String("host", config.Host), zap.Int("port", config.Port))
	return gc, nil
}

func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// EnsureCollection idempotently creates the collection with two named
// vectors, text_embedding and image_embedding, both dimension dim
// under cosine distance. If the collection already exists with a
// different dimension, it is dropped and recreated only when
// allowDestructiveMigration is true; otherwise it returns a
// descriptive error so the caller can refuse to start.
func (c *GRPCClient) EnsureCollection(ctx context.Context, collection string, dim uint64, allowDestructiveMigration bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var info *qdrant.CollectionInfo
	err := c.retryOperation(ctx, func() error {
		i, err := c.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			st, ok := status.FromError(err)
			if ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return fmt.Errorf("vectorindex: checking collection %s: %w", collection, err)
	}

	if info != nil {
		existingDim, ok := existingDimension(info)
		if ok && existingDim == dim {
			return nil
		}
		if !allowDestructiveMigration {
			return fmt.Errorf("vectorindex: collection %s has dimension %d, expected %d (migrate_dimension not enabled)", collection, existingDim, dim)
		}
		c.logger.Warn(ctx, "dropping and recreating collection for dimension migration",
			zap.String("collection", collection), zap.Uint64("old_dim", existingDim), zap.Uint64("new_dim", dim))
		if err := c.retryOperation(ctx, func() error { return c.client.DeleteCollection(ctx, collection) }); err != nil {
			return fmt.Errorf("vectorindex: dropping collection %s: %w", collection, err)
		}
	}

	vectorsConfig := qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
		string(TextEmbedding):  {Size: dim, Distance: qdrant.Distance_Cosine},
		string(ImageEmbedding): {Size: dim, Distance: qdrant.Distance_Cosine},
	})

	return c.retryOperation(ctx, func() error {
		return c.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig:  vectorsConfig,
		})
	})
}

func existingDimension(info *qdrant.CollectionInfo) (uint64, bool) {
	if info == nil || info.Config == nil || info.Config.Params == nil {
		return 0, false
	}
	vc := info.Config.Params.VectorsConfig
	if vc == nil {
		return 0, false
	}
	if m := vc.GetParamsMap(); m != nil {
		for _, p := range m.Map {
			return p.Size, true
		}
	}
	if p := vc.GetParams(); p != nil {
		return p.Size, true
	}
	return 0, false
}

// Upsert replaces the point at each GMID with the given named
// vectors and payload. A point lacking either vector is rejected
// before anything is written.
func (c *GRPCClient) Upsert(ctx context.Context, collection string, points []*Point) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if p.TextVec == nil || p.ImageVec == nil {
			return fmt.Errorf("vectorindex: upsert %s: point must carry both %s and %s", p.GMID, TextEmbedding, ImageEmbedding)
		}
		vectors := map[string]*qdrant.Vector{
			string(TextEmbedding):  qdrant.NewVectorDense(p.TextVec),
			string(ImageEmbedding): qdrant.NewVectorDense(p.ImageVec),
		}

		payload := make(map[string]*qdrant.Value, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = toQdrantValue(v)
		}

		qpoints[i] = &qdrant.PointStruct{
			Id:      mustPointID(p.GMID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: payload,
		}
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         qpoints,
		})
		return err
	})
}

// Search issues a named-vector query. The vector name is mandatory:
// the collection schema declares two named vectors and Qdrant rejects
// unnamed queries against it. score_threshold is enforced by the
// index itself.
func (c *GRPCClient) Search(ctx context.Context, collection string, vectorName VectorName, queryVec []float32, limit uint64, scoreThreshold float32) ([]*ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	name := string(vectorName)
	var results []*qdrant.ScoredPoint
	err := c.retryOperation(ctx, func() error {
		res, err := c.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(queryVec...),
			Using:          &name,
			Limit:          qdrant.PtrOf(limit),
			ScoreThreshold: qdrant.PtrOf(scoreThreshold),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search %s/%s: %w", collection, vectorName, err)
	}

	out := make([]*ScoredPoint, len(results))
	for i, r := range results {
		out[i] = &ScoredPoint{
			GMID:    extractGMID(r.Id),
			Score:   r.Score,
			Payload: fromQdrantPayload(r.Payload),
		}
	}
	return out, nil
}

// Get retrieves points by GMID, used to read back a cached image
// vector on description-edit re-embedding.
func (c *GRPCClient) Get(ctx context.Context, collection string, gmids []string) ([]*Point, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	ids := make([]*qdrant.PointId, len(gmids))
	for i, g := range gmids {
		ids[i] = mustPointID(g)
	}

	var retrieved []*qdrant.RetrievedPoint
	err := c.retryOperation(ctx, func() error {
		res, err := c.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            ids,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		retrieved = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: get from %s: %w", collection, err)
	}

	out := make([]*Point, len(retrieved))
	for i, r := range retrieved {
		p := &Point{GMID: extractGMID(r.Id), Payload: fromQdrantPayload(r.Payload)}
		if r.Vectors != nil {
			if named := r.Vectors.GetVectors(); named != nil {
				if v, ok := named.Vectors[string(TextEmbedding)]; ok {
					p.TextVec = v.GetDense().GetData()
				}
				if v, ok := named.Vectors[string(ImageEmbedding)]; ok {
					p.ImageVec = v.GetDense().GetData()
				}
			}
		}
		out[i] = p
	}
	return out, nil
}

// Delete removes points by GMID.
func (c *GRPCClient) Delete(ctx context.Context, collection string, gmids []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	ids := make([]*qdrant.PointId, len(gmids))
	for i, g := range gmids {
		ids[i] = mustPointID(g)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: ids},
				},
			},
		})
		return err
	})
}

// Stats reports point count and declared dimension, served by the
// GET /search/stats route.
func (c *GRPCClient) Stats(ctx context.Context, collection string) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var info *qdrant.CollectionInfo
	err := c.retryOperation(ctx, func() error {
		i, err := c.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: stats for %s: %w", collection, err)
	}

	dim, _ := existingDimension(info)
	return &Stats{PointCount: info.GetPointsCount(), Dim: dim}, nil
}

func (c *GRPCClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// retryOperation retries transient gRPC failures with exponential
// backoff, classifying errors by gRPC status code.
func (c *GRPCClient) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == c.config.RetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", c.config.RetryAttempts, lastErr)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}

func extractGMID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	return uuidToGMID(id.GetUuid())
}

// mustPointID maps a 32-hex-char GMID onto the dashed UUID form
// Qdrant requires for string point ids.
func mustPointID(gmid string) *qdrant.PointId {
	return qdrant.NewIDUUID(gmidToUUID(gmid))
}

func gmidToUUID(gmid string) string {
	if len(gmid) != 32 {
		return gmid
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", gmid[0:8], gmid[8:12], gmid[12:16], gmid[16:20], gmid[20:32])
}

func uuidToGMID(uuid string) string {
	return strings.ReplaceAll(uuid, "-", "")
}
