package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

func newOllamaServer(t *testing.T, wantKey string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		if wantKey != "" && r.Header.Get("Authorization") != "Bearer "+wantKey {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, in := range req.Input {
			if strings.Contains(in, "poison") {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "input rejected"})
				return
			}
		}
		out := make([][]float32, len(req.Input))
		for i, in := range req.Input {
			out[i] = []float32{float32(len(in)), 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "embeddings": out})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEmbed(t *testing.T) {
	srv := newOllamaServer(t, "secret")
	c, err := NewClient(config.EmbeddingConfig{URL: srv.URL, Model: "nomic-embed-text", APIKey: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Available(ctx))
	vecs, err := c.Embed(ctx, []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, vecs)
	assert.Equal(t, "nomic-embed-text", c.Model())

	none, err := c.Embed(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClientRejectedKey(t *testing.T) {
	srv := newOllamaServer(t, "secret")
	c, err := NewClient(config.EmbeddingConfig{URL: srv.URL, Model: "m", APIKey: "wrong"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestClientRejectedInputIsNotUnavailable(t *testing.T) {
	srv := newOllamaServer(t, "")
	c, err := NewClient(config.EmbeddingConfig{URL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"fine", "poison pill"})
	require.Error(t, err)
	assert.Equal(t, types.KindRemoteBackend, types.KindOf(err))
}

func TestClassifyEmbedError(t *testing.T) {
	cases := []struct {
		err  error
		want types.Kind
	}{
		{api.StatusError{StatusCode: http.StatusBadRequest}, types.KindRemoteBackend},
		{api.StatusError{StatusCode: http.StatusInternalServerError}, types.KindRemoteBackend},
		{api.StatusError{StatusCode: http.StatusTooManyRequests}, types.KindProviderUnavailable},
		{api.StatusError{StatusCode: http.StatusServiceUnavailable}, types.KindProviderUnavailable},
		{api.StatusError{StatusCode: http.StatusForbidden}, types.KindConfiguration},
		{errors.New("dial tcp: connection refused"), types.KindProviderUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyEmbedError(tc.err), tc.err.Error())
	}
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(config.EmbeddingConfig{URL: url, Model: "m"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Available(context.Background()), types.ErrProviderUnavailable)
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	_, err := NewAPIClient("localhost:11434", "")
	assert.NoError(t, err)
	_, err = NewAPIClient("http://", "")
	assert.Error(t, err)
}
