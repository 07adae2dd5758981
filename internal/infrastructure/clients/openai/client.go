package openai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/zatekoja/datasearch/internal/domain/providers"
	"github.com/zatekoja/datasearch/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const defaultSubBatchSize = 32

// Client implements EmbeddingProvider against an OpenAI-compatible
// embeddings endpoint.
type Client struct {
	embedder embeddings.Embedder
	model    string
	limiter  *rate.Limiter
}

var _ providers.EmbeddingProvider = (*Client)(nil)

// NewClient creates a new embedding client.
func NewClient(cfg *config.EmbeddingConfig) (*Client, error) {
	if cfg == nil || cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}

	// Local OpenAI-compatible servers accept any token.
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return NewClientWithEmbedder(embedder, cfg.Model, newLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)), nil
}

// NewClientWithEmbedder wraps an existing langchaingo embedder. A nil
// limiter disables client-side throttling.
func NewClientWithEmbedder(embedder embeddings.Embedder, model string, limiter *rate.Limiter) *Client {
	return &Client{embedder: embedder, model: model, limiter: limiter}
}

// BatchEncode embeds inputs in chunks of subBatchSize and returns vectors
// in input order. Any chunk failure fails the whole call.
func (c *Client) BatchEncode(ctx context.Context, inputs []providers.EmbeddingInput, subBatchSize int) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if subBatchSize <= 0 {
		subBatchSize = defaultSubBatchSize
	}

	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text()
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += subBatchSize {
		end := min(start+subBatchSize, len(texts))
		chunk, err := c.encodeChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (c *Client) encodeChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			recordEmbeddingMetric(ctx, c.model, 0, 0, err)
			return nil, err
		}
		recordEmbeddingRateLimitWait(ctx, c.model, time.Since(waitStart))
	}

	start := time.Now()
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		recordEmbeddingMetric(ctx, c.model, len(texts), time.Since(start), err)
		log.Error().Err(err).Int("count", len(texts)).Str("model", c.model).Msg("Failed to generate embeddings")
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(vectors) != len(texts) {
		err := fmt.Errorf("embedding model returned %d vectors for %d inputs", len(vectors), len(texts))
		recordEmbeddingMetric(ctx, c.model, len(texts), time.Since(start), err)
		return nil, err
	}

	recordEmbeddingMetric(ctx, c.model, len(texts), time.Since(start), nil)
	return vectors, nil
}

func newLimiter(rpm int, burst int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
}

type embeddingMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	inputCount      metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var (
	embeddingMetricsOnce sync.Once
	embeddingMetricsOK   bool
	metrics              embeddingMetrics
)

func ensureEmbeddingMetrics() bool {
	embeddingMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/zatekoja/datasearch/embedding")

		requestCount, err := meter.Int64Counter(
			"ai.embedding.request.count",
			metric.WithDescription("Number of embedding requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.embedding.request.duration",
			metric.WithDescription("Embedding request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.embedding.request.errors",
			metric.WithDescription("Number of embedding request errors"),
		)
		if err != nil {
			return
		}
		inputCount, err := meter.Int64Counter(
			"ai.embedding.inputs",
			metric.WithDescription("Number of texts sent for embedding"),
		)
		if err != nil {
			return
		}
		rateLimitWait, err := meter.Float64Histogram(
			"ai.embedding.rate_limit.wait",
			metric.WithDescription("Time spent waiting for the embedding rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}

		metrics = embeddingMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
			inputCount:      inputCount,
			rateLimitWait:   rateLimitWait,
		}
		embeddingMetricsOK = true
	})
	return embeddingMetricsOK
}

func recordEmbeddingMetric(ctx context.Context, model string, inputs int, duration time.Duration, err error) {
	if !ensureEmbeddingMetrics() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	)

	metrics.requestCount.Add(ctx, 1, attrs)
	metrics.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	metrics.inputCount.Add(ctx, int64(inputs), attrs)
	if err != nil {
		metrics.requestErrors.Add(ctx, 1, attrs)
	}
}

func recordEmbeddingRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	if !ensureEmbeddingMetrics() {
		return
	}
	metrics.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	))
}
