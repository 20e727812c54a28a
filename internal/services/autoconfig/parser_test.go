package autoconfig

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

const acmeDocument = `<oAuth2><issuer>acme</issuer><authURL>https://a.example/auth</authURL><tokenURL>https://a.example/token</tokenURL></oAuth2><hostname>mail.example.com</hostname>`

func TestParse_MinimalDocument(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(acmeDocument)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Issuer != "acme" {
		t.Errorf("Expected issuer acme, got %q", cfg.Issuer)
	}
	if cfg.AuthURL != "https://a.example/auth" || cfg.TokenURL != "https://a.example/token" {
		t.Errorf("Unexpected endpoints: %q %q", cfg.AuthURL, cfg.TokenURL)
	}
	if !cfg.UsePKCE {
		t.Error("Expected usePKCE to default to true")
	}
	if cfg.RedirectURI != DefaultRedirectURI {
		t.Errorf("Expected default redirect URI, got %q", cfg.RedirectURI)
	}
	if cfg.ClientSecret != nil {
		t.Errorf("Expected no client secret, got %q", *cfg.ClientSecret)
	}
	if !slices.Equal(cfg.Hostnames, []string{"mail.example.com"}) {
		t.Errorf("Expected [mail.example.com], got %v", cfg.Hostnames)
	}
	if cfg.CachedAt != nil {
		t.Error("Expected parsed config to have no CachedAt")
	}
}

func TestParse_FullDocument(t *testing.T) {
	t.Parallel()

	doc := `<?xml version="1.0"?>
<clientConfig version="1.1">
  <emailProvider id="example.com">
    <incomingServer type="imap">
      <hostname> imap.example.com </hostname>
      <authentication>OAuth2</authentication>
    </incomingServer>
    <outgoingServer type="smtp">
      <hostname>smtp.example.com</hostname>
    </outgoingServer>
    <incomingServer type="pop3">
      <hostname>imap.example.com</hostname>
    </incomingServer>
  </emailProvider>
  <OAUTH2 version="1">
    <Issuer>  login.example.com  </Issuer>
    <clientid>thunderbird</clientid>
    <clientSecret>s3cret</clientSecret>
    <authUrl>https://login.example.com/authorize</authUrl>
    <TOKENURL>https://login.example.com/token</TOKENURL>
    <redirectUri>http://127.0.0.1/callback</redirectUri>
    <usePKCE>FALSE</usePKCE>
    <scope>https://mail.example.com/ offline_access</scope>
    <issuer>second-issuer-ignored</issuer>
  </OAUTH2>
</clientConfig>`

	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Issuer != "login.example.com" {
		t.Errorf("Expected first trimmed issuer, got %q", cfg.Issuer)
	}
	if cfg.ClientID != "thunderbird" {
		t.Errorf("Expected client id thunderbird, got %q", cfg.ClientID)
	}
	if cfg.ClientSecret == nil || *cfg.ClientSecret != "s3cret" {
		t.Errorf("Expected client secret s3cret, got %v", cfg.ClientSecret)
	}
	if cfg.AuthURL != "https://login.example.com/authorize" {
		t.Errorf("Expected authUrl alias to be read, got %q", cfg.AuthURL)
	}
	if cfg.TokenURL != "https://login.example.com/token" {
		t.Errorf("Expected token URL, got %q", cfg.TokenURL)
	}
	if cfg.RedirectURI != "http://127.0.0.1/callback" {
		t.Errorf("Expected explicit redirect URI, got %q", cfg.RedirectURI)
	}
	if cfg.UsePKCE {
		t.Error("Expected usePKCE FALSE to disable PKCE")
	}
	if cfg.Scope != "https://mail.example.com/ offline_access" {
		t.Errorf("Unexpected scope %q", cfg.Scope)
	}
	if !slices.Equal(cfg.Hostnames, []string{"imap.example.com", "smtp.example.com"}) {
		t.Errorf("Expected deduplicated hostnames from the whole document, got %v", cfg.Hostnames)
	}
}

func TestParse_UsePKCEValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{value: "", want: true},
		{value: "true", want: true},
		{value: "TRUE", want: true},
		{value: " True ", want: true},
		{value: "false", want: false},
		{value: "yes", want: false},
		{value: "1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()

			doc := strings.Replace(acmeDocument, "</oAuth2>", "<usePKCE>"+tt.value+"</usePKCE></oAuth2>", 1)
			cfg, err := Parse(doc)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cfg.UsePKCE != tt.want {
				t.Errorf("usePKCE %q: expected %v, got %v", tt.value, tt.want, cfg.UsePKCE)
			}
		})
	}
}

func TestParse_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{name: "empty", doc: "  \n", wantErr: ErrEmptyDocument},
		{name: "no oauth2 block", doc: `<clientConfig><hostname>mail.example.com</hostname></clientConfig>`, wantErr: ErrNoOAuth2Block},
		{name: "unterminated block", doc: `<oAuth2><issuer>acme</issuer>`, wantErr: ErrNoOAuth2Block},
		{name: "not xml", doc: `{"issuer":"acme"}`, wantErr: ErrNoOAuth2Block},
		{
			name:    "missing issuer",
			doc:     `<oAuth2><authURL>https://a/auth</authURL><tokenURL>https://a/token</tokenURL></oAuth2>`,
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "missing auth url",
			doc:     `<oAuth2><issuer>acme</issuer><tokenURL>https://a/token</tokenURL></oAuth2>`,
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "missing token url",
			doc:     `<oAuth2><issuer>acme</issuer><authURL>https://a/auth</authURL></oAuth2>`,
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "blank issuer",
			doc:     `<oAuth2><issuer>   </issuer><authURL>https://a/auth</authURL><tokenURL>https://a/token</tokenURL></oAuth2>`,
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "fields outside the block",
			doc:     `<issuer>acme</issuer><oAuth2><authURL>https://a/auth</authURL><tokenURL>https://a/token</tokenURL></oAuth2>`,
			wantErr: ErrMissingRequiredField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Parse(tt.doc)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if cfg != nil {
				t.Errorf("Expected no config on failure, got %+v", cfg)
			}
		})
	}
}

func TestParse_MissingFieldsAreNamed(t *testing.T) {
	t.Parallel()

	_, err := Parse(`<oAuth2><clientId>x</clientId></oAuth2>`)
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, field := range []string{"Issuer", "AuthURL", "TokenURL"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Expected error to name %s, got %q", field, err.Error())
		}
	}
}

func TestParse_TagPrefixesDoNotMatch(t *testing.T) {
	t.Parallel()

	doc := `<oAuth2><issuerName>wrong</issuerName><issuer>acme</issuer><authURL>https://a/auth</authURL><tokenURL>https://a/token</tokenURL></oAuth2><hostnames>no</hostnames>`
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Issuer != "acme" {
		t.Errorf("Expected issuer acme, got %q", cfg.Issuer)
	}
	if len(cfg.Hostnames) != 0 {
		t.Errorf("Expected no hostnames, got %v", cfg.Hostnames)
	}
}

func TestHostnames(t *testing.T) {
	t.Parallel()

	got := Hostnames(`<HostName>b</HostName><hostname>a</hostname><hostname> b </hostname><hostname>  </hostname>`)
	if !slices.Equal(got, []string{"b", "a"}) {
		t.Errorf("Expected [b a], got %v", got)
	}
}
