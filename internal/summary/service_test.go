package summary

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

type fakeChat struct {
	calls  int
	reply  string
	err    error
	prompt string
}

func (f *fakeChat) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.prompt = req.Messages[len(req.Messages)-1].Content
	for _, part := range strings.SplitAfter(f.reply, " ") {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: part}}); err != nil {
			return err
		}
	}
	return nil
}

func setup(t *testing.T) (*cache.Store, int64, int64) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := cache.NewCache(cache.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	store := cache.NewStore(c, logger)

	ctx := context.Background()
	accountID, err := store.UpsertAccount(ctx, &config.AccountConfig{Name: "work", Backend: types.BackendIMAPSMTP})
	require.NoError(t, err)
	inserted, err := store.Upsert(ctx, accountID, []types.Email{{
		Subject:     "Invoice 42",
		SenderName:  "Billing",
		SenderEmail: "billing@acme.com",
		Date:        time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		BodyText:    "Please pay $120 by June 10.",
	}})
	require.NoError(t, err)
	return store, accountID, inserted[0].ID
}

func newService(store Store, llm Chatter) *Service {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewService(store, llm, "llama3.2", logger)
}

func TestSummarizeGeneratesOnceThenCaches(t *testing.T) {
	store, accountID, emailID := setup(t)
	llm := &fakeChat{reply: "Acme billing asks for $120 by June 10."}
	s := newService(store, llm)
	ctx := context.Background()

	sum, err := s.Summarize(ctx, accountID, emailID, false)
	require.NoError(t, err)
	assert.Equal(t, "Acme billing asks for $120 by June 10.", sum.Text)
	assert.Equal(t, "llama3.2", sum.Model)
	assert.Contains(t, llm.prompt, "Subject: Invoice 42")
	assert.Contains(t, llm.prompt, "Please pay $120")

	again, err := s.Summarize(ctx, accountID, emailID, false)
	require.NoError(t, err)
	assert.Equal(t, sum.Text, again.Text)
	assert.Equal(t, 1, llm.calls)

	llm.reply = "Updated."
	fresh, err := s.Summarize(ctx, accountID, emailID, true)
	require.NoError(t, err)
	assert.Equal(t, "Updated.", fresh.Text)
	assert.Equal(t, 2, llm.calls)
}

func TestSummarizeErrors(t *testing.T) {
	store, accountID, emailID := setup(t)
	ctx := context.Background()

	_, err := newService(store, nil).Summarize(ctx, accountID, emailID, false)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = newService(store, &fakeChat{err: errors.New("connection refused")}).Summarize(ctx, accountID, emailID, false)
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)

	_, err = newService(store, &fakeChat{reply: "   "}).Summarize(ctx, accountID, emailID, false)
	assert.ErrorIs(t, err, types.ErrRemoteBackend)

	_, err = newService(store, &fakeChat{reply: "x"}).Summarize(ctx, accountID, 999, false)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
