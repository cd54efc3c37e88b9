package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	semerr "github.com/semindex/semindex/internal/errors"
)

// OpenAIOptions configures the OpenAI-compatible embedding client.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string

	// Dimensions is the expected vector width for Model. Used to validate
	// responses; zero means accept whatever the first response reports.
	Dimensions int

	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	MaxRetries  int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	opts   OpenAIOptions

	mu         sync.Mutex
	dimensions int
	closed     bool
}

// NewOpenAIEmbedder creates the client. The API key is required; BaseURL
// is optional and points self-hosted gateways at the same wire format.
func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, semerr.NewConfigError("embedding.api_key", "required for the openai provider")
	}
	if opts.Model == "" {
		opts.Model = string(openai.SmallEmbedding3)
	}
	if opts.BatchSize < MinBatchSize || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		opts:       opts,
		dimensions: opts.Dimensions,
	}, nil
}

// Embed generates the embedding for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into request batches and runs them with bounded
// concurrency. Results are index-aligned with the input.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, semerr.NewEmbeddingError(semerr.EmbeddingTransient,
			errors.New("embedder is closed"))
	}
	e.mu.Unlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for start := 0; start < len(texts); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			vecs, err := e.embedOnce(ctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedOnce runs a single request batch with transient-error retry.
func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.opts.Model),
		Input: texts,
	}

	var resp openai.EmbeddingResponse

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.opts.MaxRetries)),
		ctx)

	err := backoff.Retry(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()

		var callErr error
		resp, callErr = e.client.CreateEmbeddings(reqCtx, req)
		if callErr == nil {
			return nil
		}

		classified := classifyOpenAIError(callErr)
		if semerr.IsRetryableEmbedding(classified) {
			return classified
		}
		return backoff.Permanent(classified)
	}, policy)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, semerr.NewEmbeddingError(semerr.EmbeddingTransient,
			fmt.Errorf("response carries %d vectors for %d inputs", len(resp.Data), len(texts)))
	}

	vecs := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		if err := e.checkDimensions(len(data.Embedding)); err != nil {
			return nil, err
		}
		vecs[i] = data.Embedding
	}
	return vecs, nil
}

// checkDimensions pins the vector width to the first observed response
// when no explicit dimension was configured.
func (e *OpenAIEmbedder) checkDimensions(got int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dimensions == 0 {
		e.dimensions = got
		return nil
	}
	if got != e.dimensions {
		return semerr.NewDimensionMismatch(e.dimensions, got)
	}
	return nil
}

// classifyOpenAIError maps provider failures onto the embedding error
// kinds: auth and quota abort, everything else retries.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return semerr.NewEmbeddingError(semerr.EmbeddingAuth, err)
		case http.StatusTooManyRequests:
			if strings.Contains(strings.ToLower(apiErr.Type), "insufficient_quota") {
				return semerr.NewEmbeddingError(semerr.EmbeddingQuota, err)
			}
			return semerr.NewEmbeddingError(semerr.EmbeddingTransient, err)
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return semerr.NewEmbeddingError(semerr.EmbeddingTransient, err)
		}
		// Other 4xx responses (oversized input, bad model) will not
		// succeed on retry.
		return fmt.Errorf("embedding request rejected: %w", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return semerr.NewEmbeddingError(semerr.EmbeddingTransient, err)
	}

	// Timeouts and dial failures surface as plain errors.
	return semerr.NewEmbeddingError(semerr.EmbeddingTransient, err)
}

// Dimensions returns the configured or observed vector width.
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.opts.Model }

// ProviderName returns "openai".
func (e *OpenAIEmbedder) ProviderName() string { return "openai" }

// Available reports whether the embedder accepts requests.
func (e *OpenAIEmbedder) Available(_ context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
