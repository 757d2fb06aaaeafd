package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/internal/email"
	"github.com/brandon/mailhub/internal/embedding"
	"github.com/brandon/mailhub/internal/search"
	"github.com/brandon/mailhub/internal/summary"
	"github.com/brandon/mailhub/pkg/types"
)

// app holds the wired components shared by every command
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	cache     *cache.Cache
	store     *cache.Store
	factory   *email.Factory
	manager   *email.Manager
	engine    *search.Engine
	embedder  *embedding.Client
	indexer   *embedding.Indexer
	summaries *summary.Service
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// newApp loads configuration and wires the cache, providers and search.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg)

	emailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	store := cache.NewStore(emailCache, logger)

	for i := range cfg.Accounts {
		if _, err := store.UpsertAccount(ctx, &cfg.Accounts[i]); err != nil {
			logger.WithError(err).WithField("account", cfg.Accounts[i].Name).Warn("Failed to cache account")
		}
	}

	tokens := email.NewStoredTokenSupplier(store, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, logger)
	pages := email.NewPageTokenIndex()
	factory, err := email.NewFactory(store, tokens, pages, cfg.RemoteTimeout, cfg.ProviderCacheSize, logger)
	if err != nil {
		emailCache.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		cache:   emailCache,
		store:   store,
		factory: factory,
		manager: email.NewManager(factory, store, pages, cfg.InitialSyncBatch, logger),
	}

	var chat summary.Chatter
	if cfg.Embedding.Enabled() {
		client, err := embedding.NewClient(cfg.Embedding)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create embedding client: %w", err)
		}
		a.embedder = client
		a.indexer = embedding.NewIndexer(store, client, client.Model(), cfg.Embedding.BatchSize, logger)

		if cfg.SummaryModel != "" {
			llm, err := embedding.NewAPIClient(cfg.Embedding.URL, cfg.Embedding.APIKey)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to create summary client: %w", err)
			}
			chat = llm
		}
	}

	if a.embedder != nil {
		a.engine = search.NewEngine(store, a.embedder, logger)
		a.engine.EnableSemantic(ctx)
	} else {
		a.engine = search.NewEngine(store, nil, logger)
	}
	a.summaries = summary.NewService(store, chat, cfg.SummaryModel, logger)
	return a, nil
}

func (a *app) Close() {
	if a.indexer != nil {
		a.indexer.Stop()
	}
	a.factory.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close cache")
	}
}

// account resolves an account by numeric id or name.
func (a *app) account(ctx context.Context, ref string) (*types.Account, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.store.GetAccount(ctx, id)
	}
	return a.store.GetAccountByName(ctx, ref)
}

// accounts resolves refs, or every account when refs is empty.
func (a *app) accounts(ctx context.Context, refs []string) ([]types.Account, error) {
	if len(refs) == 0 {
		return a.store.ListAccounts(ctx)
	}
	out := make([]types.Account, 0, len(refs))
	for _, ref := range refs {
		acc, err := a.account(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, nil
}
