package email

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/pkg/types"
)

// InitialSyncMailbox is the mailbox seeded by the initial sync.
const InitialSyncMailbox = "INBOX"

// ProviderSource hands out providers per account
type ProviderSource interface {
	Provider(ctx context.Context, accountID int64) (Provider, error)
	Invalidate(accountID int64)
}

// SyncStore is the persistence the manager drives
type SyncStore interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	ReplaceAll(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error)
	MarkInitialSync(ctx context.Context, id int64) error
	SetBackend(ctx context.Context, id int64, backend types.Backend) error
}

// Manager manages account-level email operations
type Manager struct {
	providers ProviderSource
	store     SyncStore
	pages     *PageTokenIndex
	batch     int
	logger    *logrus.Logger
}

// NewManager creates a new email manager
func NewManager(providers ProviderSource, store SyncStore, pages *PageTokenIndex, batch int, logger *logrus.Logger) *Manager {
	return &Manager{
		providers: providers,
		store:     store,
		pages:     pages,
		batch:     batch,
		logger:    logger,
	}
}

// Provider returns the account's provider
func (m *Manager) Provider(ctx context.Context, accountID int64) (Provider, error) {
	return m.providers.Provider(ctx, accountID)
}

// InitialSync replaces the account's cache with the newest messages of its
// inbox. Every cached message of the account is deleted first.
func (m *Manager) InitialSync(ctx context.Context, accountID int64) (int, error) {
	p, err := m.providers.Provider(ctx, accountID)
	if err != nil {
		return 0, err
	}

	msgs, err := p.FetchRecent(ctx, InitialSyncMailbox, m.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch recent emails: %w", err)
	}
	inserted, err := m.store.ReplaceAll(ctx, accountID, msgs)
	if err != nil {
		return 0, fmt.Errorf("failed to replace cached emails: %w", err)
	}
	m.pages.ResetAccount(accountID)

	if err := m.store.MarkInitialSync(ctx, accountID); err != nil {
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"account": accountID,
		"backend": p.Backend(),
		"count":   len(inserted),
	}).Info("Initial sync complete")
	return len(inserted), nil
}

// ConnectPending runs the initial sync for every account that never had
// one. Failures are logged per account.
func (m *Manager) ConnectPending(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if acc.InitialSyncedAt != nil {
			continue
		}
		if _, err := m.InitialSync(ctx, acc.ID); err != nil {
			m.logger.WithError(err).WithField("account", acc.Name).Warn("Failed initial sync")
		}
	}
	return nil
}

// SyncMailbox refreshes the first page of a mailbox from the remote backend
func (m *Manager) SyncMailbox(ctx context.Context, accountID int64, mailbox string, pageSize int) (*types.MessagePage, error) {
	p, err := m.providers.Provider(ctx, accountID)
	if err != nil {
		return nil, err
	}
	page, err := p.ListMessages(ctx, ListOptions{Mailbox: mailbox, PageSize: pageSize, Page: 1, ForceRefresh: true})
	if err != nil {
		return nil, fmt.Errorf("failed to sync mailbox: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"account": accountID,
		"mailbox": mailbox,
		"count":   len(page.Messages),
	}).Info("Synced mailbox")
	return page, nil
}

// SwitchBackend changes the account's active backend. The next connection
// runs a fresh initial sync.
func (m *Manager) SwitchBackend(ctx context.Context, accountID int64, backend types.Backend) error {
	if err := m.store.SetBackend(ctx, accountID, backend); err != nil {
		return err
	}
	m.providers.Invalidate(accountID)
	m.pages.ResetAccount(accountID)
	m.logger.WithFields(logrus.Fields{"account": accountID, "backend": backend}).Info("Switched backend")
	return nil
}
