// Package autoconfig extracts OAuth2 provider parameters from mail autoconfig documents.
package autoconfig

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
)

// DefaultRedirectURI is used when a document omits redirectUri
const DefaultRedirectURI = "https://localhost"

var (
	// ErrEmptyDocument is returned for blank input
	ErrEmptyDocument = errors.New("autoconfig: empty document")
	// ErrNoOAuth2Block is returned when the document has no <oAuth2> element
	ErrNoOAuth2Block = errors.New("autoconfig: no oAuth2 block")
	// ErrMissingRequiredField is returned when issuer, authURL or tokenURL is empty
	ErrMissingRequiredField = errors.New("autoconfig: missing required field")
)

var (
	oauth2BlockPattern = regexp.MustCompile(`(?is)<oAuth2\b[^>]*>(.*?)</oAuth2\s*>`)
	hostnamePattern    = tagPattern("hostname")

	issuerPattern       = tagPattern("issuer")
	clientIDPattern     = tagPattern("clientId")
	clientSecretPattern = tagPattern("clientSecret")
	// matching is case-insensitive, so authURL also covers authUrl
	authURLPattern     = tagPattern("authURL")
	tokenURLPattern    = tagPattern("tokenURL")
	redirectURIPattern = tagPattern("redirectUri")
	usePKCEPattern     = tagPattern("usePKCE")
	scopePattern       = tagPattern("scope")
)

func tagPattern(tag string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<` + tag + `\b[^>]*>([^<]+)</` + tag + `\s*>`)
}

// firstValue returns the trimmed text of the first matching element, or ""
func firstValue(pattern *regexp.Regexp, text string) string {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Hostnames returns every hostname value in the document, deduplicated in first-seen order
func Hostnames(raw string) []string {
	matches := hostnamePattern.FindAllStringSubmatch(raw, -1)
	seen := make(map[string]struct{}, len(matches))
	hostnames := make([]string, 0, len(matches))
	for _, m := range matches {
		h := strings.TrimSpace(m[1])
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hostnames = append(hostnames, h)
	}
	return hostnames
}

// Parse turns an untrusted autoconfig document into a validated provider config.
// The returned config has no Domain or CachedAt; callers set those.
func Parse(raw string) (*models.ProviderConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDocument
	}

	block := oauth2BlockPattern.FindStringSubmatch(raw)
	if block == nil {
		return nil, ErrNoOAuth2Block
	}
	inner := block[1]

	cfg := &models.ProviderConfig{
		Issuer:      firstValue(issuerPattern, inner),
		ClientID:    firstValue(clientIDPattern, inner),
		AuthURL:     firstValue(authURLPattern, inner),
		TokenURL:    firstValue(tokenURLPattern, inner),
		RedirectURI: firstValue(redirectURIPattern, inner),
		Scope:       firstValue(scopePattern, inner),
		Hostnames:   Hostnames(raw),
	}

	if secret := firstValue(clientSecretPattern, inner); secret != "" {
		cfg.ClientSecret = &secret
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	cfg.UsePKCE = parseUsePKCE(firstValue(usePKCEPattern, inner))

	if err := validation.Validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredField, strings.Join(validation.FieldErrors(err), ", "))
	}

	return cfg, nil
}

// parseUsePKCE defaults to true when absent; any value other than "true" disables PKCE
func parseUsePKCE(value string) bool {
	if value == "" {
		return true
	}
	return strings.ToLower(value) == "true"
}
