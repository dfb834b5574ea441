package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/credential"
)

// credentialRequest is the admin-facing create/update body.
type credentialRequest struct {
	ProviderType string                  `json:"provider_type"`
	Tier         credential.Tier         `json:"tier"`
	Auth         credential.Auth         `json:"auth"`
	Capabilities credential.Capabilities `json:"capabilities"`
}

// credentialView is the redacted listing form.
type credentialView struct {
	ID                string                  `json:"id"`
	ProviderType      string                  `json:"provider_type"`
	Tier              credential.Tier         `json:"tier"`
	AuthKind          credential.AuthKind     `json:"auth_kind"`
	KeyPrefix         string                  `json:"key_prefix,omitempty"`
	IsHealthy         bool                    `json:"is_healthy"`
	CurrentLoad       int                     `json:"current_load"`
	Capabilities      credential.Capabilities `json:"capabilities"`
	ConsecutiveErrors int                     `json:"consecutive_errors"`
}

func viewOf(c *credential.Credential) credentialView {
	red := c.Redacted()
	prefix := red.Auth.Key
	if prefix == "" {
		prefix = red.Auth.Access
	}
	return credentialView{
		ID:                c.ID,
		ProviderType:      c.ProviderType,
		Tier:              c.Tier,
		AuthKind:          c.Auth.Kind,
		KeyPrefix:         prefix,
		IsHealthy:         c.IsHealthy,
		CurrentLoad:       c.CurrentLoad,
		Capabilities:      c.Capabilities,
		ConsecutiveErrors: c.ConsecutiveErrors,
	}
}

// handleCredentials serves GET (list) and POST (create) on
// /admin/credentials.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		creds, err := s.store.List(ctx, "")
		if err != nil {
			s.adminError(w, r, http.StatusInternalServerError, err)
			return
		}
		views := make([]credentialView, 0, len(creds))
		for _, c := range creds {
			views = append(views, viewOf(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": views})

	case http.MethodPost:
		var req credentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.adminError(w, r, http.StatusBadRequest, err)
			return
		}
		c := &credential.Credential{
			ProviderType: req.ProviderType,
			Tier:         req.Tier,
			Auth:         req.Auth,
			IsHealthy:    true,
			Capabilities: req.Capabilities,
		}
		if err := c.Validate(); err != nil {
			s.adminError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := s.store.Create(ctx, c); err != nil {
			s.adminError(w, r, http.StatusInternalServerError, err)
			return
		}
		if err := s.pool.Sync(ctx); err != nil {
			s.logger.Warn(ctx, "pool sync after create", "error", err)
		}
		writeJSON(w, http.StatusCreated, viewOf(c))

	default:
		w.Header().Set("Allow", "GET, POST")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// handleCredentialByID serves GET, PATCH (health flag), and DELETE on
// /admin/credentials/{id}.
func (s *Server) handleCredentialByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimPrefix(r.URL.Path, "/admin/credentials/")
	if id == "" || strings.Contains(id, "/") {
		s.adminError(w, r, http.StatusNotFound, errors.New("credential not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.store.Get(ctx, id)
		if err != nil {
			s.adminError(w, r, credentialStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(c))

	case http.MethodPatch:
		var patch struct {
			IsHealthy *bool `json:"is_healthy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			s.adminError(w, r, http.StatusBadRequest, err)
			return
		}
		if patch.IsHealthy == nil {
			s.adminError(w, r, http.StatusBadRequest, errors.New("is_healthy is required"))
			return
		}
		if err := s.store.SetHealthy(ctx, id, *patch.IsHealthy); err != nil {
			s.adminError(w, r, credentialStatus(err), err)
			return
		}
		s.pool.Flag(ctx, id, *patch.IsHealthy)
		c, err := s.store.Get(ctx, id)
		if err != nil {
			s.adminError(w, r, credentialStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(c))

	case http.MethodDelete:
		if err := s.store.Delete(ctx, id); err != nil {
			s.adminError(w, r, credentialStatus(err), err)
			return
		}
		if err := s.pool.Sync(ctx); err != nil {
			s.logger.Warn(ctx, "pool sync after delete", "error", err)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func credentialStatus(err error) int {
	if errors.Is(err, credential.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) adminError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		s.logger.Error(r.Context(), "admin request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// modelCatalog maps provider types to the model IDs the gateway advertises
// for them.
var modelCatalog = map[string][]string{
	"anthropic":     {"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
	"openai":        {"gpt-4o", "gpt-4o-mini"},
	"gemini":        {"gemini-2.0-flash", "gemini-2.5-pro"},
	"codewhisperer": {"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"},
}

// handleModels lists the models reachable through the current credential
// pool, in the OpenAI list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	providers := make(map[string]bool)
	for _, tier := range credential.Tiers {
		for _, c := range s.pool.Healthy(tier) {
			providers[c.ProviderType] = true
		}
	}

	seen := make(map[string]bool)
	var ids []string
	for p := range providers {
		for _, id := range modelCatalog[p] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]model, 0, len(ids))
	created := s.now().Unix()
	for _, id := range ids {
		data = append(data, model{ID: id, Object: "model", Created: created, OwnedBy: "proxycast"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleProviderSwitch serves PUT /admin/config/providers. The switch
// is serialised process-wide; on success the running server adopts the
// committed provider settings.
func (s *Server) handleProviderSwitch(w http.ResponseWriter, r *http.Request) {
	if s.switcher == nil {
		s.adminError(w, r, http.StatusServiceUnavailable, errors.New("config switching unavailable"))
		return
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var next config.ProviderSettings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		s.adminError(w, r, http.StatusBadRequest, err)
		return
	}

	committed, err := s.switcher.Switch(func(cfg *config.Settings) {
		cfg.Providers = next
	})
	if err != nil {
		s.adminError(w, r, http.StatusBadRequest, err)
		return
	}
	s.cfg.Providers = committed.Providers

	writeJSON(w, http.StatusOK, map[string]any{"providers": redactProviders(committed.Providers)})
}

// redactProviders reduces stored keys to loggable prefixes.
func redactProviders(p config.ProviderSettings) map[string]string {
	out := map[string]string{}
	redact := func(key string) string {
		if len(key) <= 7 {
			return key
		}
		return key[:7] + "..."
	}
	if p.AnthropicAPIKey != "" {
		out["anthropic_api_key"] = redact(p.AnthropicAPIKey)
	}
	if p.OpenAIAPIKey != "" {
		out["openai_api_key"] = redact(p.OpenAIAPIKey)
	}
	if p.GeminiAPIKey != "" {
		out["gemini_api_key"] = redact(p.GeminiAPIKey)
	}
	if p.CWProfileArn != "" {
		out["cw_profile_arn"] = p.CWProfileArn
	}
	return out
}
