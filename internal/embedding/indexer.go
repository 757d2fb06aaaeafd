package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

const (
	// maxDocumentRunes bounds the text sent for one message.
	maxDocumentRunes = 8000
	// maxBatchesPerRun bounds the work done for one account per run.
	maxBatchesPerRun = 20
)

// Store is the cache surface the indexer reads and writes
type Store interface {
	ListAccounts(ctx context.Context) ([]types.Account, error)
	MissingEmbeddings(ctx context.Context, accountID int64, limit int) ([]cache.EmbeddingSource, error)
	SetEmbedding(ctx context.Context, emailID int64, model string, vec []float32) error
}

// Embedder computes vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer embeds cached messages that have no vector yet.
type Indexer struct {
	store    Store
	embedder Embedder
	model    string
	batch    int
	logger   *logrus.Logger

	running sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// NewIndexer creates an indexer embedding batch messages per call
func NewIndexer(store Store, embedder Embedder, model string, batch int, logger *logrus.Logger) *Indexer {
	if batch < 1 {
		batch = 1
	}
	return &Indexer{store: store, embedder: embedder, model: model, batch: batch, logger: logger}
}

// document is the text embedded for a message
func document(src cache.EmbeddingSource) string {
	body := src.BodyText
	if body == "" {
		body = src.BodyHTML
	}
	doc := strings.TrimSpace(src.Subject + "\n" + src.SenderName + " " + src.SenderEmail + "\n" + body)
	if r := []rune(doc); len(r) > maxDocumentRunes {
		doc = string(r[:maxDocumentRunes])
	}
	return doc
}

// RunOnce embeds missing messages of every account and returns how many
// vectors were stored. A run already in progress makes this a no-op.
func (ix *Indexer) RunOnce(ctx context.Context) (int, error) {
	if !ix.running.TryLock() {
		ix.logger.Debug("Embedding run already in progress")
		return 0, nil
	}
	defer ix.running.Unlock()

	accounts, err := ix.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	total, failed := 0, 0
	var lastErr error
	for _, acc := range accounts {
		n, err := ix.indexAccount(ctx, acc.ID)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			ix.logger.WithError(err).WithField("account", acc.Name).Warn("Failed to index account")
			failed++
			lastErr = err
		}
	}
	if total > 0 {
		ix.logger.WithField("count", total).Info("Indexed embeddings")
	}
	if failed > 0 {
		return total, fmt.Errorf("%d of %d accounts failed to index: %w", failed, len(accounts), lastErr)
	}
	return total, nil
}

func (ix *Indexer) indexAccount(ctx context.Context, accountID int64) (int, error) {
	total := 0
	for i := 0; i < maxBatchesPerRun; i++ {
		srcs, err := ix.store.MissingEmbeddings(ctx, accountID, ix.batch)
		if err != nil {
			return total, err
		}
		if len(srcs) == 0 {
			return total, nil
		}

		stored, err := ix.indexBatch(ctx, srcs)
		total += stored
		if err != nil {
			return total, err
		}
		// Nothing stored means every message was skipped; they would be
		// returned again by the next query.
		if stored == 0 || len(srcs) < ix.batch {
			return total, nil
		}
	}
	return total, nil
}

// indexBatch embeds a batch, falling back to one call per message when the
// batch call fails so a single bad message does not block the rest.
func (ix *Indexer) indexBatch(ctx context.Context, srcs []cache.EmbeddingSource) (int, error) {
	docs := make([]string, len(srcs))
	for i, s := range srcs {
		docs[i] = document(s)
	}

	vecs, err := ix.embedder.Embed(ctx, docs)
	if err != nil {
		if types.KindOf(err) == types.KindProviderUnavailable {
			return 0, err
		}
		ix.logger.WithError(err).Warn("Batch embedding failed, retrying per message")
		vecs = make([][]float32, len(srcs))
		for i := range srcs {
			one, err := ix.embedder.Embed(ctx, docs[i:i+1])
			if err != nil {
				if types.KindOf(err) == types.KindProviderUnavailable {
					return 0, err
				}
				ix.logger.WithError(err).WithField("email_id", srcs[i].ID).Warn("Failed to embed email")
				continue
			}
			vecs[i] = one[0]
		}
	}

	stored := 0
	for i, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if err := ix.store.SetEmbedding(ctx, srcs[i].ID, ix.model, v); err != nil {
			ix.logger.WithError(err).WithField("email_id", srcs[i].ID).Warn("Failed to store embedding")
			continue
		}
		stored++
	}
	metrics.EmbeddingsIndexed.Add(float64(stored))
	return stored, nil
}

// Start runs the indexer on a cron schedule such as "@every 5m".
func (ix *Indexer) Start(schedule string) error {
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := ix.RunOnce(ctx); err != nil {
			ix.logger.WithError(err).Warn("Embedding run failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid embedding schedule %q: %w", schedule, err)
	}
	ix.cron = c
	ix.cancel = cancel
	c.Start()
	ix.logger.WithField("schedule", schedule).Info("Embedding indexer started")
	return nil
}

// Stop stops the schedule and waits for a running pass to finish
func (ix *Indexer) Stop() {
	if ix.cron == nil {
		return
	}
	ix.cancel()
	<-ix.cron.Stop().Done()
}
