package models

import (
	"slices"
	"strings"
	"time"
)

// ProviderEntry is one row of the OAuth2 provider table, keyed by issuer
type ProviderEntry struct {
	Issuer       string    `json:"issuer"`
	ClientID     string    `json:"client_id"`
	ClientSecret *string   `json:"-"`
	AuthURL      string    `json:"auth_url"`
	TokenURL     string    `json:"token_url"`
	RedirectURI  string    `json:"redirect_uri"`
	UsePKCE      bool      `json:"use_pkce"`
	Scope        string    `json:"scope"`
	Hostnames    []string  `json:"hostnames"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NewProviderEntry builds the full parameter set the provider table stores for a config
func NewProviderEntry(cfg *ProviderConfig, registeredAt time.Time) *ProviderEntry {
	entry := &ProviderEntry{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		RedirectURI:  cfg.RedirectURI,
		UsePKCE:      cfg.UsePKCE,
		Scope:        cfg.Scope,
		Hostnames:    slices.Clone(cfg.Hostnames),
		RegisteredAt: registeredAt,
	}
	if cfg.ClientSecret != nil {
		secret := *cfg.ClientSecret
		entry.ClientSecret = &secret
	}
	return entry
}

// Clone returns a deep copy of the entry
func (e *ProviderEntry) Clone() *ProviderEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.ClientSecret != nil {
		secret := *e.ClientSecret
		out.ClientSecret = &secret
	}
	out.Hostnames = slices.Clone(e.Hostnames)
	return &out
}

// CoversHostname reports whether the issuer serves the given mail server hostname
func (e *ProviderEntry) CoversHostname(hostname string) bool {
	for _, h := range e.Hostnames {
		if strings.EqualFold(h, hostname) {
			return true
		}
	}
	return false
}
