package email

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

func seedOAuthAccount(t *testing.T, s *cache.Store, access string, expiry time.Time) int64 {
	t.Helper()
	id, err := s.UpsertAccount(context.Background(), &config.AccountConfig{
		Name: "gmail", Email: "me@gmail.com", Backend: types.BackendRemoteAPI,
		AccessToken: access, RefreshToken: "refresh", TokenExpiry: expiry,
	})
	require.NoError(t, err)
	return id
}

func newTokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSupplier(s *cache.Store, tokenURL string) *StoredTokenSupplier {
	sup := NewStoredTokenSupplier(s, "client", "secret", "", quietLogger())
	sup.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	return sup
}

func TestStoredTokenSupplierReturnsValidToken(t *testing.T) {
	store := newTestStore(t)
	id := seedOAuthAccount(t, store, "current", time.Now().Add(time.Hour))
	sup := newTestSupplier(store, "http://127.0.0.1:1/unused")

	tok, err := sup.Token(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "current", tok.AccessToken)
}

func TestStoredTokenSupplierRefreshes(t *testing.T) {
	store := newTestStore(t)
	id := seedOAuthAccount(t, store, "stale", time.Now().Add(-time.Hour))
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	sup := newTestSupplier(store, srv.URL)
	ctx := context.Background()

	tok, err := sup.Token(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	acc, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fresh", acc.AccessToken)
	assert.Equal(t, "refresh", acc.RefreshToken, "refresh token is kept when not rotated")
	assert.True(t, acc.TokenExpiry.After(time.Now()))
}

func TestStoredTokenSupplierRejectedRefresh(t *testing.T) {
	store := newTestStore(t)
	id := seedOAuthAccount(t, store, "stale", time.Now().Add(-time.Hour))
	srv := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	sup := newTestSupplier(store, srv.URL)

	_, err := sup.Token(context.Background(), id)
	assert.ErrorIs(t, err, types.ErrAuthExpired)
}
