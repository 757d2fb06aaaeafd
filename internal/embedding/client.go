// Package embedding computes message embeddings with an Ollama-compatible
// backend and indexes cached messages in the background.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"golang.org/x/time/rate"

	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

// bearerTransport adds an API key to every request for hosted backends.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// NewAPIClient creates an Ollama API client for serverURL. A scheme is
// added when missing.
func NewAPIClient(serverURL, apiKey string) (*api.Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}

	hc := &http.Client{}
	if apiKey != "" {
		hc.Transport = &bearerTransport{base: http.DefaultTransport, token: apiKey}
	}
	return api.NewClient(u, hc), nil
}

// Client embeds text with one model, rate limited.
type Client struct {
	api     *api.Client
	model   string
	limiter *rate.Limiter
}

// NewClient creates an embedding client from configuration
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	c, err := NewAPIClient(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Client{api: c, model: cfg.Model, limiter: rate.NewLimiter(limit, 1)}, nil
}

// Model returns the embedding model name
func (c *Client) Model() string {
	return c.model
}

// Embed returns one vector per input text
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, types.NewError(classifyEmbedError(err), "embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, types.Errorf(types.KindRemoteBackend, "embed", "got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Available checks that the backend answers
func (c *Client) Available(ctx context.Context) error {
	if err := c.api.Heartbeat(ctx); err != nil {
		return types.NewError(types.KindProviderUnavailable, "embedding heartbeat", err)
	}
	return nil
}

// classifyEmbedError separates a backend that rejected the input from one
// that could not be reached or is overloaded.
func classifyEmbedError(err error) types.Kind {
	var status api.StatusError
	if !errors.As(err, &status) {
		return types.KindProviderUnavailable
	}
	switch status.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return types.KindProviderUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.KindConfiguration
	}
	return types.KindRemoteBackend
}
