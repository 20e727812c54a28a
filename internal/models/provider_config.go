package models

import (
	"slices"
	"time"
)

// ProviderConfig is the OAuth2 configuration discovered for a mail domain
type ProviderConfig struct {
	Domain       string     `json:"domain"`
	Issuer       string     `json:"issuer" validate:"required"`
	ClientID     string     `json:"client_id"`
	ClientSecret *string    `json:"client_secret,omitempty"` // nil for public clients
	AuthURL      string     `json:"auth_url" validate:"required"`
	TokenURL     string     `json:"token_url" validate:"required"`
	RedirectURI  string     `json:"redirect_uri"`
	UsePKCE      bool       `json:"use_pkce"`
	Scope        string     `json:"scope"`
	Hostnames    []string   `json:"hostnames"`
	CachedAt     *time.Time `json:"cached_at,omitempty"` // set by the cache on save
}

// Clone returns a deep copy so callers can stamp or mutate without aliasing
func (c *ProviderConfig) Clone() *ProviderConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.ClientSecret != nil {
		secret := *c.ClientSecret
		out.ClientSecret = &secret
	}
	if c.CachedAt != nil {
		cachedAt := *c.CachedAt
		out.CachedAt = &cachedAt
	}
	out.Hostnames = slices.Clone(c.Hostnames)
	return &out
}

// ProviderDetails is the derived view of a cached record returned by the API
type ProviderDetails struct {
	Domain    string     `json:"domain"`
	Issuer    string     `json:"issuer"`
	Hostnames []string   `json:"hostnames"`
	CachedAt  *time.Time `json:"cached_at"`
	IsStale   bool       `json:"is_stale"`
	AgeMs     *int64     `json:"age_ms"`
}
