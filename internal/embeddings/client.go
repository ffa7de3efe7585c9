// Package embeddings talks to the external multimodal embedding
// provider: a black-box remote service that turns text or thumbnail
// bytes into fixed-dimension float vectors. It owns rate limiting,
// retries, timeouts, and the failure taxonomy the ingestion pipeline
// and search engine rely on to distinguish transient from permanent
// failures.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mediavault/internal/metrics"
)

// Failure taxonomy returned by EmbedText/EmbedImage.
var (
	ErrTransient   = errors.New("embedding provider transient failure")
	ErrRejected    = errors.New("embedding rejected")
	ErrTimeout     = errors.New("embedding call timed out")
	ErrRateLimited = errors.New("embedding rate limited")
)

// Config configures the client's endpoints, rate limits, retry policy
// and timeouts.
type Config struct {
	TextURL  string
	ImageURL string

	// ProviderKey authenticates to the embedding provider via a bearer
	// token, when the provider requires one. Empty sends no auth header.
	ProviderKey string

	// EmbeddingDim is the dimension every returned vector must have.
	// A response of any other length is rejected rather than silently
	// upserted into a fixed-dimension vector collection.
	EmbeddingDim int

	TextRatePerSec  float64
	ImageRatePerSec float64

	MaxRetries   int
	BaseBackoff  time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig mirrors the Embedding Client defaults.
func DefaultConfig() Config {
	return Config{
		TextRatePerSec:  10,
		ImageRatePerSec: 5,
		MaxRetries:      3,
		BaseBackoff:     200 * time.Millisecond,
		CallTimeout:     30 * time.Second,
	}
}

// Client embeds text and image content against the external provider.
type Client struct {
	cfg Config

	httpClient   *http.Client
	textLimiter  *rate.Limiter
	imageLimiter *rate.Limiter
}

// New builds a Client. Burst is set equal to the per-second rate, per
// the rate-limiting contract.
func New(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{},
		textLimiter:  rate.NewLimiter(rate.Limit(cfg.TextRatePerSec), int(math.Ceil(cfg.TextRatePerSec))),
		imageLimiter: rate.NewLimiter(rate.Limit(cfg.ImageRatePerSec), int(math.Ceil(cfg.ImageRatePerSec))),
	}
}

type embedRequest struct {
	Inputs interface{} `json:"inputs"`
}

// EmbedText returns a unit-normalized vector for the given text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "text", c.textLimiter, c.cfg.TextURL, embedRequest{Inputs: text})
}

// EmbedImage returns a unit-normalized vector for the given JPEG bytes,
// base64-encoded in the request body as the provider's wire protocol
// is treated as an opaque black box beyond "send bytes, get a vector
// back".
func (c *Client) EmbedImage(ctx context.Context, jpegBytes []byte) ([]float32, error) {
	return c.embed(ctx, "image", c.imageLimiter, c.cfg.ImageURL, embedRequest{Inputs: jpegBytes})
}

func (c *Client) embed(ctx context.Context, modality string, limiter *rate.Limiter, url string, req embedRequest) (vec []float32, err error) {
	start := time.Now()
	defer func() { metrics.RecordEmbeddingCall(modality, start, err) }()

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}

		vec, err := c.doRequest(ctx, url, req)
		if err == nil {
			return normalize(vec), nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) && !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrTransient, lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, req embedRequest) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.ProviderKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.ProviderKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, respBody)
	}

	var vec []float32
	if err := json.Unmarshal(respBody, &vec); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRejected, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector in response", ErrRejected)
	}
	if c.cfg.EmbeddingDim > 0 && len(vec) != c.cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: expected dimension %d, got %d", ErrRejected, c.cfg.EmbeddingDim, len(vec))
	}
	return vec, nil
}

// normalize divides a vector by its L2 norm so cosine similarity
// reduces to a dot product downstream.
func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
