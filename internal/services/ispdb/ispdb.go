// Package ispdb implements the host's native ISP configuration lookup against an
// autoconfig database, and the swappable slot the discovery hook decorates.
package ispdb

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/fetcher"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/hook"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
)

// ErrNoProvider is returned when the document has no emailProvider element
var ErrNoProvider = errors.New("ispdb: no email provider in document")

type clientConfig struct {
	XMLName       xml.Name       `xml:"clientConfig"`
	EmailProvider *emailProvider `xml:"emailProvider"`
}

type emailProvider struct {
	ID          string         `xml:"id,attr"`
	DisplayName string         `xml:"displayName"`
	Incoming    []serverConfig `xml:"incomingServer"`
	Outgoing    []serverConfig `xml:"outgoingServer"`
}

type serverConfig struct {
	Type           string   `xml:"type,attr"`
	Hostname       string   `xml:"hostname"`
	Port           int      `xml:"port"`
	SocketType     string   `xml:"socketType"`
	Username       string   `xml:"username"`
	Authentication []string `xml:"authentication"`
}

func (s serverConfig) toModel() models.ServerSettings {
	auth := make([]string, 0, len(s.Authentication))
	for _, a := range s.Authentication {
		if a = strings.TrimSpace(a); a != "" {
			auth = append(auth, a)
		}
	}
	return models.ServerSettings{
		Type:           strings.TrimSpace(s.Type),
		Hostname:       strings.TrimSpace(s.Hostname),
		Port:           s.Port,
		SocketType:     strings.TrimSpace(s.SocketType),
		Username:       strings.TrimSpace(s.Username),
		Authentication: auth,
	}
}

// Client looks up mail server settings by domain
type Client struct {
	baseURL string
	getter  fetcher.Getter
}

// NewClient creates a client for an ISPDB base URL such as https://autoconfig.thunderbird.net/v1.1/
func NewClient(baseURL string, getter fetcher.Getter) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{baseURL: baseURL, getter: getter}
}

// Lookup fetches and decodes the server settings for domain
func (c *Client) Lookup(ctx context.Context, domain string) (*models.ISPConfig, error) {
	normalized, err := validation.NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	body, err := c.getter.Get(ctx, c.baseURL+normalized)
	if err != nil {
		return nil, fmt.Errorf("ispdb: fetch %s: %w", normalized, err)
	}
	return Decode(normalized, body)
}

// Decode parses an ISPDB clientConfig document
func Decode(domain, body string) (*models.ISPConfig, error) {
	var doc clientConfig
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("ispdb: decode: %w", err)
	}
	if doc.EmailProvider == nil {
		return nil, ErrNoProvider
	}

	p := doc.EmailProvider
	cfg := &models.ISPConfig{
		Domain:      domain,
		ProviderID:  strings.TrimSpace(p.ID),
		DisplayName: strings.TrimSpace(p.DisplayName),
		Incoming:    make([]models.ServerSettings, 0, len(p.Incoming)),
		Outgoing:    make([]models.ServerSettings, 0, len(p.Outgoing)),
	}
	for _, s := range p.Incoming {
		cfg.Incoming = append(cfg.Incoming, s.toModel())
	}
	for _, s := range p.Outgoing {
		cfg.Outgoing = append(cfg.Outgoing, s.toModel())
	}
	return cfg, nil
}

var _ hook.Host = (*Host)(nil)

// Host owns the process-wide ISP lookup entry point
type Host struct {
	mu     sync.RWMutex
	lookup hook.LookupFunc
}

// NewHost creates a host whose native lookup is lookup
func NewHost(lookup hook.LookupFunc) *Host {
	return &Host{lookup: lookup}
}

// ISPLookup returns the lookup currently installed
func (h *Host) ISPLookup() hook.LookupFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lookup
}

// SetISPLookup replaces the installed lookup
func (h *Host) SetISPLookup(fn hook.LookupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookup = fn
}

// FetchConfig runs whichever lookup is installed
func (h *Host) FetchConfig(ctx context.Context, domain string) (*models.ISPConfig, error) {
	lookup := h.ISPLookup()
	if lookup == nil {
		return nil, errors.New("ispdb: no lookup installed")
	}
	return lookup(ctx, domain)
}
