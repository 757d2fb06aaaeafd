// Package api serves the mail backend over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/email"
	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

// AccountStore resolves accounts and cached message ids.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
	GetAccountByName(ctx context.Context, name string) (*types.Account, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	GetByRemoteID(ctx context.Context, accountID int64, remoteID string) (*types.Email, error)
}

// Mail is the account-level mail surface the handlers drive.
type Mail interface {
	Provider(ctx context.Context, accountID int64) (email.Provider, error)
	InitialSync(ctx context.Context, accountID int64) (int, error)
	SwitchBackend(ctx context.Context, accountID int64, backend types.Backend) error
}

// Searcher runs search queries over the cache
type Searcher interface {
	Search(ctx context.Context, accountID int64, query string, limit int) ([]types.SearchResult, error)
}

// Summarizer returns message summaries
type Summarizer interface {
	Summarize(ctx context.Context, accountID, emailID int64, regenerate bool) (*types.Summary, error)
}

// Options tunes the server
type Options struct {
	Addr            string
	SearchLimit     int
	DefaultPageSize int
	RequestTimeout  time.Duration
}

// Server is the HTTP API server
type Server struct {
	opts      Options
	accounts  AccountStore
	mail      Mail
	search    Searcher
	summaries Summarizer
	logger    *logrus.Logger
	router    chi.Router
	server    *http.Server
}

// NewServer creates a new API server. summaries may be nil.
func NewServer(opts Options, accounts AccountStore, mail Mail, search Searcher, summaries Summarizer, logger *logrus.Logger) *Server {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 50
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 25
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		opts:      opts,
		accounts:  accounts,
		mail:      mail,
		search:    search,
		summaries: summaries,
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Use(s.accountMiddleware)

			r.Get("/mailboxes", s.handleListMailboxes)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSend)
			r.Get("/messages/{id}", s.handleGetMessage)
			r.Delete("/messages/{id}", s.handleDelete)
			r.Post("/messages/{id}/flags", s.handleFlags)
			r.Post("/messages/{id}/trash", s.handleTrash)
			r.Get("/messages/{id}/attachments/{attachmentID}", s.handleAttachment)
			r.Get("/messages/{id}/summary", s.handleSummary)
			r.Get("/search", s.handleSearch)
			r.Post("/connect", s.handleConnect)
			r.Put("/backend", s.handleSwitchBackend)
		})
	})

	return r
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.opts.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.WithField("addr", s.opts.Addr).Info("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": chimw.GetReqID(r.Context()),
			}).Debug("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}
