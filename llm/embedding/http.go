package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/internal/tlsutil"
	"github.com/BaSui01/ddrflow/llm"
	"github.com/BaSui01/ddrflow/llm/providers"
	"github.com/BaSui01/ddrflow/llm/retry"
	"go.uber.org/zap"
)

// HTTPEmbedder implements Embedder over an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	cfg     Config
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewHTTPEmbedder creates an HTTP embedder.
func NewHTTPEmbedder(cfg Config, logger *zap.Logger) *HTTPEmbedder {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "embedding"))
	policy := retry.Policy{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		MaxAttempts:    cfg.MaxRetries,
		JitterFraction: 0.2,
	}
	return &HTTPEmbedder{
		cfg:     cfg,
		client:  tlsutil.HTTPClient(cfg.Timeout),
		retryer: retry.NewRetryer(policy, llm.IsRetryable, logger),
		logger:  logger,
	}
}

func (e *HTTPEmbedder) Name() string  { return "http" }
func (e *HTTPEmbedder) Model() string { return e.cfg.Model }

// WithRetryer replaces the retryer, for tests.
func (e *HTTPEmbedder) WithRetryer(r *retry.Retryer) *HTTPEmbedder {
	e.retryer = r
	return e
}

// EmbedQuery embeds a single query string.
func (e *HTTPEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty embedding input")
	}
	return retry.DoWithResult(ctx, e.retryer, func() ([]float64, error) {
		return e.embedOnce(ctx, text)
	})
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, text string) ([]float64, error) {
	payload, err := json.Marshal(embedRequest{Input: []string{text}, Model: e.cfg.Model, Dimensions: e.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, providers.FromTransport(ctx, err, "embedding")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.FromResponse(resp, "embedding")
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &llm.Error{Code: llm.ErrMalformedResponse, Message: err.Error(), Provider: "embedding"}
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, &llm.Error{Code: llm.ErrMalformedResponse, Message: "no embeddings returned", Provider: "embedding"}
	}
	vec := out.Data[0].Embedding
	if e.cfg.Dimensions > 0 && len(vec) != e.cfg.Dimensions {
		return nil, &llm.Error{
			Code:     llm.ErrMalformedResponse,
			Message:  fmt.Sprintf("embedding has %d dimensions, expected %d", len(vec), e.cfg.Dimensions),
			Provider: "embedding",
		}
	}
	return vec, nil
}


