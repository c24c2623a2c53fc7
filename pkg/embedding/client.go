// Package embedding provides a client for OpenAI-compatible embedding APIs.
package embedding

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/grantvault/orgmemory/internal/resilience"
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing or a self-hosted gateway).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/") + "/"
		}
	}
}

// WithModel sets the embedding model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps requests per second. 0 disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
}

// Client calls the embeddings endpoint through the OpenAI SDK. SDK retries
// are disabled; callers own retry policy.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
	sdk     openai.Client
}

// NewClient creates an embedding client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: "https://api.openai.com/v1/",
		model:   "text-embedding-3-small",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sdk = openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(c.http),
		option.WithMaxRetries(0),
	)
	return c
}

// StatusCode returns the HTTP status carried by an API error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (c *Client) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, eris.New("embedding: inputs are required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "embedding: rate limit wait")
		}
	}

	resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "embedding: request")
		}
		wrapped := eris.Wrap(err, "embedding: request")
		if code := StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(wrapped, code)
		}
		return nil, wrapped
	}
	if len(resp.Data) != len(inputs) {
		return nil, eris.Errorf("embedding: expected %d vectors, got %d", len(inputs), len(resp.Data))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, eris.Errorf("embedding: vector index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, eris.Errorf("embedding: empty vector for input %d", i)
		}
	}
	return out, nil
}
