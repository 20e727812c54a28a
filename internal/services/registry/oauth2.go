package registry

import (
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"golang.org/x/oauth2"
)

// OAuth2Config converts a registered entry into the client configuration the host authenticates with
func OAuth2Config(entry *models.ProviderEntry) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID: entry.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  entry.AuthURL,
			TokenURL: entry.TokenURL,
		},
		RedirectURL: entry.RedirectURI,
		Scopes:      strings.Fields(entry.Scope),
	}
	if entry.ClientSecret != nil {
		cfg.ClientSecret = *entry.ClientSecret
	} else {
		cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return cfg
}

// AuthorizationURL builds the consent URL for entry. When the provider uses PKCE
// the returned verifier must be kept for the token exchange; otherwise it is empty.
func AuthorizationURL(entry *models.ProviderEntry, state string) (authURL, verifier string) {
	cfg := OAuth2Config(entry)
	if !entry.UsePKCE {
		return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), ""
	}
	verifier = oauth2.GenerateVerifier()
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)), verifier
}
