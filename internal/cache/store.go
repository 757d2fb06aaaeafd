package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
	now    func() time.Time
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

type accountRow struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	Email           string        `db:"email"`
	Backend         string        `db:"backend"`
	AccessToken     string        `db:"oauth_access_token"`
	RefreshToken    string        `db:"oauth_refresh_token"`
	TokenExpiry     sql.NullInt64 `db:"oauth_expiry"`
	InitialSyncedAt sql.NullInt64 `db:"initial_synced_at"`
}

func (r *accountRow) toAccount() *types.Account {
	acc := &types.Account{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		Backend:      types.Backend(r.Backend),
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	if r.TokenExpiry.Valid {
		acc.TokenExpiry = time.Unix(r.TokenExpiry.Int64, 0).UTC()
	}
	if r.InitialSyncedAt.Valid {
		t := time.Unix(r.InitialSyncedAt.Int64, 0).UTC()
		acc.InitialSyncedAt = &t
	}
	return acc
}

const accountColumns = `id, name, email, backend, oauth_access_token, oauth_refresh_token, oauth_expiry, initial_synced_at`

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// UpsertAccount seeds an account from configuration. Tokens already stored
// are kept since they may have been refreshed since the seed was written.
// A changed backend clears the initial sync stamp.
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) (int64, error) {
	query := `
		INSERT INTO accounts (name, email, backend, oauth_access_token, oauth_refresh_token, oauth_expiry)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			email = excluded.email,
			initial_synced_at = CASE WHEN accounts.backend = excluded.backend THEN accounts.initial_synced_at ELSE NULL END,
			backend = excluded.backend,
			oauth_access_token = COALESCE(NULLIF(accounts.oauth_access_token, ''), excluded.oauth_access_token),
			oauth_refresh_token = COALESCE(NULLIF(accounts.oauth_refresh_token, ''), excluded.oauth_refresh_token),
			oauth_expiry = COALESCE(accounts.oauth_expiry, excluded.oauth_expiry),
			updated_at = unixepoch()
	`
	db := s.cache.DB()
	if _, err := db.ExecContext(ctx, query, acc.Name, acc.Email, string(acc.Backend),
		acc.AccessToken, acc.RefreshToken, nullUnix(acc.TokenExpiry)); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	var id int64
	if err := db.GetContext(ctx, &id, "SELECT id FROM accounts WHERE name = ?", acc.Name); err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}

	if acc.IMAPHost != "" {
		cred := &types.Credential{
			AccountID:    id,
			IMAPHost:     acc.IMAPHost,
			IMAPPort:     acc.IMAPPort,
			IMAPUsername: acc.IMAPUsername,
			IMAPPassword: acc.IMAPPassword,
			SMTPHost:     acc.SMTPHost,
			SMTPPort:     acc.SMTPPort,
			SMTPUsername: acc.SMTPUsername,
			SMTPPassword: acc.SMTPPassword,
		}
		if err := s.UpsertCredential(ctx, cred); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetAccount loads an account by id
func (s *Store) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	var row accountRow
	err := s.cache.DB().GetContext(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "get account", "account %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount(), nil
}

// GetAccountByName loads an account by its configured name
func (s *Store) GetAccountByName(ctx context.Context, name string) (*types.Account, error) {
	var row accountRow
	err := s.cache.DB().GetContext(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "get account", "account %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount(), nil
}

// ListAccounts lists all accounts ordered by id
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var rows []accountRow
	if err := s.cache.DB().SelectContext(ctx, &rows, "SELECT "+accountColumns+" FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]types.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, *rows[i].toAccount())
	}
	return accounts, nil
}

// SetBackend switches the account's active backend and clears its initial
// sync stamp so the next connection resyncs.
func (s *Store) SetBackend(ctx context.Context, id int64, backend types.Backend) error {
	if !backend.Valid() {
		return types.Errorf(types.KindValidation, "set backend", "unknown backend %q", backend)
	}
	res, err := s.cache.DB().ExecContext(ctx,
		"UPDATE accounts SET backend = ?, initial_synced_at = NULL, updated_at = unixepoch() WHERE id = ?",
		string(backend), id)
	if err != nil {
		return fmt.Errorf("failed to set backend: %w", err)
	}
	return requireRow(res, "set backend", id)
}

// SaveOAuthToken stores a refreshed OAuth token pair
func (s *Store) SaveOAuthToken(ctx context.Context, id int64, access, refresh string, expiry time.Time) error {
	res, err := s.cache.DB().ExecContext(ctx, `
		UPDATE accounts SET
			oauth_access_token = ?,
			oauth_refresh_token = COALESCE(NULLIF(?, ''), oauth_refresh_token),
			oauth_expiry = ?,
			updated_at = unixepoch()
		WHERE id = ?`, access, refresh, nullUnix(expiry), id)
	if err != nil {
		return fmt.Errorf("failed to save oauth token: %w", err)
	}
	return requireRow(res, "save oauth token", id)
}

// MarkInitialSync stamps the account as having completed its initial sync
func (s *Store) MarkInitialSync(ctx context.Context, id int64) error {
	res, err := s.cache.DB().ExecContext(ctx,
		"UPDATE accounts SET initial_synced_at = ? WHERE id = ?", s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark initial sync: %w", err)
	}
	return requireRow(res, "mark initial sync", id)
}

// UpsertCredential stores a credential set and makes it the active one
func (s *Store) UpsertCredential(ctx context.Context, cred *types.Credential) error {
	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE imap_credentials SET is_active = 0 WHERE account_id = ?", cred.AccountID); err != nil {
		return fmt.Errorf("failed to deactivate credentials: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO imap_credentials (account_id, imap_host, imap_port, imap_username, imap_password,
			smtp_host, smtp_port, smtp_username, smtp_password, is_active)
		VALUES (:account_id, :imap_host, :imap_port, :imap_username, :imap_password,
			:smtp_host, :smtp_port, :smtp_username, :smtp_password, 1)
		ON CONFLICT(account_id, imap_host, imap_username) DO UPDATE SET
			imap_port = excluded.imap_port,
			imap_password = excluded.imap_password,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			smtp_username = excluded.smtp_username,
			smtp_password = excluded.smtp_password,
			is_active = 1`, cred)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return tx.Commit()
}

// ActiveCredential returns the account's active IMAP/SMTP credential set
func (s *Store) ActiveCredential(ctx context.Context, accountID int64) (*types.Credential, error) {
	var cred types.Credential
	err := s.cache.DB().GetContext(ctx, &cred, `
		SELECT id, account_id, imap_host, imap_port, imap_username, imap_password,
			smtp_host, smtp_port, smtp_username, smtp_password, is_active
		FROM imap_credentials WHERE account_id = ? AND is_active = 1
		ORDER BY id DESC LIMIT 1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "active credential", "no active IMAP credentials for account %d", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

func requireRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return types.Errorf(types.KindNotFound, op, "row %d not found", id)
	}
	return nil
}
