package embedding

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

type memoryStore struct {
	mu       sync.Mutex
	accounts []types.Account
	pending  map[int64][]cache.EmbeddingSource
	vectors  map[int64][]float32
}

func (m *memoryStore) ListAccounts(ctx context.Context) ([]types.Account, error) {
	return m.accounts, nil
}

func (m *memoryStore) MissingEmbeddings(ctx context.Context, accountID int64, limit int) ([]cache.EmbeddingSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cache.EmbeddingSource
	for _, s := range m.pending[accountID] {
		if _, ok := m.vectors[s.ID]; ok {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) SetEmbedding(ctx context.Context, emailID int64, model string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[emailID] = vec
	return nil
}

type scriptedEmbedder struct {
	calls   int
	batchFn func(texts []string) ([][]float32, error)
}

func (s *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	return s.batchFn(texts)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMemoryStore(perAccount int) *memoryStore {
	m := &memoryStore{
		accounts: []types.Account{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}},
		pending:  make(map[int64][]cache.EmbeddingSource),
		vectors:  make(map[int64][]float32),
	}
	id := int64(1)
	for _, acc := range m.accounts {
		for i := 0; i < perAccount; i++ {
			m.pending[acc.ID] = append(m.pending[acc.ID], cache.EmbeddingSource{ID: id, Subject: "subject", BodyText: "body"})
			id++
		}
	}
	return m
}

func TestIndexerRunOnce(t *testing.T) {
	store := newMemoryStore(7)
	emb := &scriptedEmbedder{batchFn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2}
		}
		return out, nil
	}}
	ix := NewIndexer(store, emb, "m", 3, quietLogger())

	n, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Len(t, store.vectors, 14)
	// 3+3+1 per account
	assert.Equal(t, 6, emb.calls)

	n, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexerSkipsFailingMessage(t *testing.T) {
	store := newMemoryStore(3)
	store.pending[1][1].Subject = "poison"
	emb := &scriptedEmbedder{batchFn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, tx := range texts {
			if strings.HasPrefix(tx, "poison") {
				return nil, errors.New("input rejected")
			}
			out[i] = []float32{1}
		}
		return out, nil
	}}
	ix := NewIndexer(store, emb, "m", 10, quietLogger())

	n, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, ok := store.vectors[store.pending[1][1].ID]
	assert.False(t, ok)
}

func TestIndexerStopsWhenBackendDown(t *testing.T) {
	store := newMemoryStore(2)
	emb := &scriptedEmbedder{batchFn: func(texts []string) ([][]float32, error) {
		return nil, types.NewError(types.KindProviderUnavailable, "embed", errors.New("connection refused"))
	}}
	ix := NewIndexer(store, emb, "m", 10, quietLogger())

	_, err := ix.RunOnce(context.Background())
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)
	// one batch call per account, no per-message retries
	assert.Equal(t, 2, emb.calls)
}

func TestIndexerContinuesPastFailingAccount(t *testing.T) {
	store := newMemoryStore(2)
	first := true
	emb := &scriptedEmbedder{}
	emb.batchFn = func(texts []string) ([][]float32, error) {
		if first {
			first = false
			return nil, types.NewError(types.KindProviderUnavailable, "embed", errors.New("timeout"))
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1}
		}
		return out, nil
	}
	ix := NewIndexer(store, emb, "m", 10, quietLogger())

	n, err := ix.RunOnce(context.Background())
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)
	assert.Equal(t, 2, n, "the second account is still indexed")
	assert.Len(t, store.vectors, 2)
}

func TestIndexerRejectedDocumentDoesNotStallOthers(t *testing.T) {
	srv := newOllamaServer(t, "")
	client, err := NewClient(config.EmbeddingConfig{URL: srv.URL, Model: "m"})
	require.NoError(t, err)

	store := newMemoryStore(0)
	store.accounts = store.accounts[:1]
	store.pending[1] = []cache.EmbeddingSource{
		{ID: 1, Subject: "hello", BodyText: "first"},
		{ID: 2, Subject: "poison", BodyText: "rejected by the backend"},
		{ID: 3, Subject: "bye", BodyText: "third"},
	}
	ix := NewIndexer(store, client, "m", 10, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := ix.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, store.vectors, 2)
	assert.NotContains(t, store.vectors, int64(2))
}

func TestDocumentTruncates(t *testing.T) {
	doc := document(cache.EmbeddingSource{Subject: "s", BodyHTML: strings.Repeat("x", maxDocumentRunes*2)})
	assert.Len(t, []rune(doc), maxDocumentRunes)
	assert.True(t, strings.HasPrefix(doc, "s\n"))
}

func TestIndexerStartRejectsBadSchedule(t *testing.T) {
	ix := NewIndexer(newMemoryStore(0), &scriptedEmbedder{}, "m", 1, quietLogger())
	assert.Error(t, ix.Start("not a schedule"))
	ix.Stop()

	require.NoError(t, ix.Start("@every 1h"))
	ix.Stop()
}
