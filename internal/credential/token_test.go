package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/proxycast/proxycast/internal/storage"
)

func oauthTestServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-access","refresh_token":"fresh-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
}

func TestRefreshingToken(t *testing.T) {
	var calls atomic.Int32
	srv := oauthTestServer(t, &calls)
	defer srv.Close()

	db, err := storage.Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	store := NewStore(db, 3)

	cred := &Credential{
		ProviderType: "anthropic",
		Tier:         TierPro,
		Auth: Auth{
			Kind:      AuthOAuth,
			Access:    "stale-access",
			Refresh:   "stale-refresh",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	if err := store.Create(context.Background(), cred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cfg := &oauth2.Config{
		ClientID: "proxycast",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"},
	}
	src := NewRefreshingToken(store, cfg, cred)

	// Far from expiry: no refresh.
	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "stale-access" {
		t.Errorf("token = %q, want cached access", tok)
	}
	if calls.Load() != 0 {
		t.Errorf("token endpoint hit %d times, want 0", calls.Load())
	}

	// Forced refresh hits the endpoint and persists the new material.
	tok, err = src.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q, want fresh-access", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", calls.Load())
	}

	stored, err := store.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Auth.Access != "fresh-access" || stored.Auth.Refresh != "fresh-refresh" {
		t.Errorf("persisted auth = %+v", stored.Auth)
	}
	if stored.Auth.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("persisted expiry = %v", stored.Auth.ExpiresAt)
	}
}

func TestRefreshingTokenInsideGrace(t *testing.T) {
	var calls atomic.Int32
	srv := oauthTestServer(t, &calls)
	defer srv.Close()

	cred := &Credential{
		ID: "c1",
		Auth: Auth{
			Kind:      AuthOAuth,
			Access:    "stale-access",
			Refresh:   "stale-refresh",
			ExpiresAt: time.Now().Add(time.Minute),
		},
	}
	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"}}
	src := NewRefreshingToken(nil, cfg, cred)

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q, want refreshed access", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", calls.Load())
	}
}

func TestRefreshingTokenNoRefreshToken(t *testing.T) {
	cred := &Credential{ID: "c1", Auth: Auth{Kind: AuthOAuth, Access: "a", ExpiresAt: time.Now().Add(-time.Minute)}}
	src := NewRefreshingToken(nil, &oauth2.Config{}, cred)
	if _, err := src.Token(context.Background()); err == nil {
		t.Error("refresh without refresh token should fail")
	}
}
