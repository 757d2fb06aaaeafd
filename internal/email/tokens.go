package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/brandon/mailhub/pkg/types"
)

// TokenSupplier returns a valid OAuth access token for an account,
// refreshing and persisting it when needed.
type TokenSupplier interface {
	Token(ctx context.Context, accountID int64) (*oauth2.Token, error)
}

// TokenStore reads and persists account tokens
type TokenStore interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
	SaveOAuthToken(ctx context.Context, id int64, access, refresh string, expiry time.Time) error
}

// StoredTokenSupplier refreshes tokens held in the account store
type StoredTokenSupplier struct {
	store  TokenStore
	oauth  *oauth2.Config
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewStoredTokenSupplier creates a supplier for Google OAuth clients
func NewStoredTokenSupplier(store TokenStore, clientID, clientSecret, redirectURL string, logger *logrus.Logger) *StoredTokenSupplier {
	return &StoredTokenSupplier{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailModifyScope},
		},
		logger: logger,
	}
}

// Token returns the stored token, refreshing it when expired. A rejected
// refresh means the user must re-authenticate.
func (s *StoredTokenSupplier) Token(ctx context.Context, accountID int64) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.AccessToken == "" && acc.RefreshToken == "" {
		return nil, types.Errorf(types.KindAuthExpired, "oauth token", "account %d has no OAuth tokens", accountID)
	}

	tok := &oauth2.Token{
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acc.TokenExpiry,
	}
	if tok.Valid() {
		return tok, nil
	}
	if acc.RefreshToken == "" {
		return nil, types.Errorf(types.KindAuthExpired, "oauth token", "access token expired and no refresh token stored")
	}

	fresh, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, types.NewError(types.KindAuthExpired, "oauth refresh", err)
		}
		return nil, types.NewError(types.KindProviderUnavailable, "oauth refresh", err)
	}

	if err := s.store.SaveOAuthToken(ctx, accountID, fresh.AccessToken, fresh.RefreshToken, fresh.Expiry); err != nil {
		s.logger.WithError(err).WithField("account", accountID).Warn("Failed to persist refreshed token")
	}
	s.logger.WithField("account", accountID).Info("Refreshed OAuth token")
	return fresh, nil
}

// accountTokenSource adapts a supplier to oauth2.TokenSource for one account
type accountTokenSource struct {
	ctx       context.Context
	supplier  TokenSupplier
	accountID int64
}

func (s accountTokenSource) Token() (*oauth2.Token, error) {
	return s.supplier.Token(s.ctx, s.accountID)
}
