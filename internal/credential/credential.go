// Package credential manages backend credentials: persistence, health
// accounting, load tracking, and token refresh for OAuth and SSO variants.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tier classifies credentials by capability and cost.
type Tier string

const (
	TierMini Tier = "mini"
	TierPro  Tier = "pro"
	TierMax  Tier = "max"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierMini, TierPro, TierMax:
		return true
	}
	return false
}

// Tiers lists all tiers from strongest to weakest, the order fallback walks.
var Tiers = []Tier{TierMax, TierPro, TierMini}

// Below returns the next weaker tier, or "" at the bottom.
func (t Tier) Below() Tier {
	switch t {
	case TierMax:
		return TierPro
	case TierPro:
		return TierMini
	default:
		return ""
	}
}

// AuthKind discriminates the auth variant of a credential.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth  AuthKind = "oauth"
	AuthSSO    AuthKind = "sso_token"
)

// Auth is the credential's secret material. Exactly one variant is set,
// matching Kind.
type Auth struct {
	Kind AuthKind `json:"kind"`

	// APIKey variant.
	Key string `json:"key,omitempty"`

	// OAuth variant.
	Access    string    `json:"access,omitempty"`
	Refresh   string    `json:"refresh,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// SSO variant extras (Access/ExpiresAt shared with OAuth).
	Region     string `json:"region,omitempty"`
	ProfileArn string `json:"profile_arn,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
}

// Expiring reports whether the credential's token expires within grace.
// API keys never expire.
func (a Auth) Expiring(now time.Time, grace time.Duration) bool {
	if a.Kind == AuthAPIKey || a.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(grace).Before(a.ExpiresAt)
}

// Capabilities are per-credential feature flags consulted by the selector.
type Capabilities struct {
	Vision     bool `json:"vision"`
	Tools      bool `json:"tools"`
	ContextLen int  `json:"context_len"`
}

// Credential is one backend credential.
type Credential struct {
	ID           string
	ProviderType string
	Tier         Tier
	Auth         Auth
	IsHealthy    bool

	// CurrentLoad is a 0..100 utilization estimate maintained by the
	// selector.
	CurrentLoad int

	Capabilities      Capabilities
	ConsecutiveErrors int
	LastUsed          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks structural invariants before persistence.
func (c *Credential) Validate() error {
	if c.ProviderType == "" {
		return fmt.Errorf("provider_type is required")
	}
	if !c.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", c.Tier)
	}
	switch c.Auth.Kind {
	case AuthAPIKey:
		if c.Auth.Key == "" {
			return fmt.Errorf("api_key credential requires a key")
		}
	case AuthOAuth:
		if c.Auth.Access == "" {
			return fmt.Errorf("oauth credential requires an access token")
		}
	case AuthSSO:
		if c.Auth.Access == "" {
			return fmt.Errorf("sso credential requires an access token")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", c.Auth.Kind)
	}
	if c.CurrentLoad < 0 || c.CurrentLoad > 100 {
		return fmt.Errorf("current_load %d out of range", c.CurrentLoad)
	}
	return nil
}

// Redacted returns a copy safe for logs and admin listings: secret material
// is masked down to a short prefix.
func (c Credential) Redacted() Credential {
	c.Auth.Key = maskSecret(c.Auth.Key)
	c.Auth.Access = maskSecret(c.Auth.Access)
	c.Auth.Refresh = maskSecret(c.Auth.Refresh)
	return c
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 7 {
		return "***"
	}
	return s[:7] + "***"
}

func (a Auth) marshal() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode auth: %w", err)
	}
	return string(raw), nil
}

func unmarshalAuth(raw string) (Auth, error) {
	var a Auth
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Auth{}, fmt.Errorf("decode auth: %w", err)
	}
	return a, nil
}
