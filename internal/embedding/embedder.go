package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// DefaultModel is the embedding model; its 1536-dim vectors match the
	// index collection configuration.
	DefaultModel = "text-embedding-3-small"

	// DefaultBatchSize balances requests-per-minute against tokens-per-minute
	// rate limits. OpenAI accepts up to 2048 inputs per request.
	DefaultBatchSize = 500
)

// Embedder generates embeddings in batches. Rate-limited batches are retried
// under the configured policy; other API errors fail immediately.
type Embedder struct {
	client     *Client
	model      string
	batchSize  int
	newBackoff func() backoff.BackOff
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithRetryPolicy replaces the rate-limit retry policy. The default is
// bounded exponential backoff; tests inject a fast policy.
func WithRetryPolicy(factory func() backoff.BackOff) Option {
	return func(e *Embedder) { e.newBackoff = factory }
}

// NewEmbedder creates an Embedder. Empty model or non-positive batchSize
// fall back to the defaults.
func NewEmbedder(client *Client, model string, batchSize int, opts ...Option) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	e := &Embedder{
		client:    client,
		model:     model,
		batchSize: batchSize,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed generates one vector per input text, preserving order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var all [][]float32

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vectors, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

// embedBatch embeds one batch under the retry policy. Only rate limit errors
// are retryable; everything else is permanent.
func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("got %d embeddings for %d inputs",
				len(resp.Data), len(texts)))
		}

		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(e.newBackoff(), ctx))
	return vectors, err
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 narrows the API's float64 vectors for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
