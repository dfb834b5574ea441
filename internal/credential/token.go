package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshGrace is how close to expiry a token may get before a
// proactive refresh.
const DefaultRefreshGrace = 5 * time.Minute

// RefreshingToken adapts an OAuth or SSO credential to the provider
// TokenSource contract. Refreshed material is written back to the store so
// restarts pick up the newest tokens.
//
// Safe for concurrent use; a refresh in flight blocks other callers.
type RefreshingToken struct {
	mu    sync.Mutex
	store *Store
	cfg   *oauth2.Config
	id    string
	auth  Auth
	grace time.Duration
	now   func() time.Time
}

// NewRefreshingToken wraps a stored credential. cfg carries the backend's
// token endpoint and client ID.
func NewRefreshingToken(store *Store, cfg *oauth2.Config, c *Credential) *RefreshingToken {
	return &RefreshingToken{
		store: store,
		cfg:   cfg,
		id:    c.ID,
		auth:  c.Auth,
		grace: DefaultRefreshGrace,
		now:   time.Now,
	}
}

// Token returns the current access token, refreshing first when inside the
// expiry grace window.
func (r *RefreshingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.auth.Expiring(r.now(), r.grace) {
		return r.auth.Access, nil
	}
	return r.refreshLocked(ctx)
}

// ForceRefresh discards the cached access token and refreshes
// unconditionally. Used after a 401 classified as token expiry.
func (r *RefreshingToken) ForceRefresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *RefreshingToken) refreshLocked(ctx context.Context) (string, error) {
	if r.auth.Refresh == "" {
		return "", fmt.Errorf("credential %s has no refresh token", r.id)
	}
	// An already-expired seed forces the oauth2 transport to hit the token
	// endpoint instead of returning the cached access token.
	seed := &oauth2.Token{
		RefreshToken: r.auth.Refresh,
		Expiry:       time.Unix(1, 0),
	}
	tok, err := r.cfg.TokenSource(ctx, seed).Token()
	if err != nil {
		return "", fmt.Errorf("refresh credential %s: %w", r.id, err)
	}

	r.auth.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		r.auth.Refresh = tok.RefreshToken
	}
	r.auth.ExpiresAt = tok.Expiry

	if r.store != nil {
		if err := r.store.UpdateTokens(ctx, r.id, r.auth); err != nil {
			return "", err
		}
	}
	return r.auth.Access, nil
}
