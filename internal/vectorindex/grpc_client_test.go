package vectorindex

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGMIDToUUIDRoundTrip(t *testing.T) {
	gmid := "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"
	uuid := gmidToUUID(gmid)
	assert.Equal(t, "a1b2c3d4-e5f6-a7b8-c9d0-e1f2a3b4c5d6", uuid)
	assert.Equal(t, gmid, uuidToGMID(uuid))
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"aborted", status.Error(codes.Aborted, "conflict"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"not found", status.Error(codes.NotFound, "missing"), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, isTransientError(tt.err))
		})
	}
}

func TestToAndFromQdrantValue(t *testing.T) {
	payload := map[string]any{
		"description": "sunset at the beach",
		"size_bytes":  int64(2048),
		"score":       0.87,
		"indexed":     true,
	}
	converted := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		converted[k] = toQdrantValue(v)
	}
	back := fromQdrantPayload(converted)

	assert.Equal(t, "sunset at the beach", back["description"])
	assert.Equal(t, int64(2048), back["size_bytes"])
	assert.Equal(t, 0.87, back["score"])
	assert.Equal(t, true, back["indexed"])
}

func TestExistingDimensionFromParamsMap(t *testing.T) {
	info := &qdrant.CollectionInfo{
		Config: &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{
				VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
					string(TextEmbedding):  {Size: 1024, Distance: qdrant.Distance_Cosine},
					string(ImageEmbedding): {Size: 1024, Distance: qdrant.Distance_Cosine},
				}),
			},
		},
	}
	dim, ok := existingDimension(info)
	assert.True(t, ok)
	assert.Equal(t, uint64(1024), dim)
}

func TestExistingDimensionMissingConfig(t *testing.T) {
	dim, ok := existingDimension(nil)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), dim)
}
