package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/pkg/types"
)

// FactoryStore is the persistence the factory wires into providers.
type FactoryStore interface {
	MessageCache
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
	ActiveCredential(ctx context.Context, accountID int64) (*types.Credential, error)
	Upsert(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error)
}

// Factory builds the provider for an account's active backend and keeps
// recently used providers open.
type Factory struct {
	store   FactoryStore
	tokens  TokenSupplier
	pages   *PageTokenIndex
	timeout time.Duration
	logger  *logrus.Logger

	mu        sync.Mutex
	providers *lru.Cache[int64, Provider]
}

// NewFactory creates a provider factory caching up to size providers
func NewFactory(store FactoryStore, tokens TokenSupplier, pages *PageTokenIndex, timeout time.Duration, size int, logger *logrus.Logger) (*Factory, error) {
	f := &Factory{
		store:   store,
		tokens:  tokens,
		pages:   pages,
		timeout: timeout,
		logger:  logger,
	}
	providers, err := lru.NewWithEvict[int64, Provider](size, func(id int64, p Provider) {
		if err := p.Close(); err != nil {
			logger.WithError(err).WithField("account", id).Warn("Failed to close provider")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider cache: %w", err)
	}
	f.providers = providers
	return f, nil
}

// Create builds a new provider for the account's active backend. Missing
// credentials are a configuration error.
func (f *Factory) Create(ctx context.Context, accountID int64) (Provider, error) {
	acc, err := f.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	persist := PersistFunc(f.store.Upsert)

	switch acc.Backend {
	case types.BackendIMAPSMTP:
		cred, err := f.store.ActiveCredential(ctx, acc.ID)
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				return nil, types.Errorf(types.KindConfiguration, "create provider", "account %d has no active IMAP/SMTP credentials", acc.ID)
			}
			return nil, err
		}
		if err := checkCredential(cred); err != nil {
			return nil, err
		}
		if acc.Email == "" {
			acc.Email = cred.SMTPUsername
		}
		imapClient := NewIMAPClient(cred, f.timeout, f.logger)
		smtpClient := NewSMTPClient(cred, f.timeout, f.logger)
		return NewIMAPProvider(acc, imapClient, smtpClient, f.store, persist, f.pages, f.logger), nil

	case types.BackendRemoteAPI:
		if acc.AccessToken == "" || acc.RefreshToken == "" {
			return nil, types.Errorf(types.KindConfiguration, "create provider", "account %d is missing OAuth access or refresh token", acc.ID)
		}
		gmailClient := NewGmailClient(acc.ID, f.tokens, f.timeout, f.logger)
		return NewGmailProvider(acc, gmailClient, f.store, persist, f.pages, f.logger), nil

	default:
		return nil, types.Errorf(types.KindConfiguration, "create provider", "account %d has unknown backend %q", acc.ID, acc.Backend)
	}
}

func checkCredential(cred *types.Credential) error {
	missing := ""
	switch {
	case cred.IMAPHost == "":
		missing = "IMAP host"
	case cred.IMAPUsername == "" || cred.IMAPPassword == "":
		missing = "IMAP username or password"
	case cred.SMTPHost == "":
		missing = "SMTP host"
	}
	if missing != "" {
		return types.Errorf(types.KindConfiguration, "create provider", "account %d credentials lack %s", cred.AccountID, missing)
	}
	return nil
}

// Provider returns the cached provider for the account, creating it on first use
func (f *Factory) Provider(ctx context.Context, accountID int64) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers.Get(accountID); ok {
		return p, nil
	}
	p, err := f.Create(ctx, accountID)
	if err != nil {
		return nil, err
	}
	f.providers.Add(accountID, p)
	return p, nil
}

// Invalidate closes and forgets the account's provider
func (f *Factory) Invalidate(accountID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers.Remove(accountID)
}

// Close closes every cached provider
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers.Purge()
}
