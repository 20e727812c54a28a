package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"go.uber.org/zap"
)

// basicTable implements only Table, so Registry falls back to lookup, unregister, register
type basicTable struct {
	mu             sync.Mutex
	entries        map[string]*models.ProviderEntry
	calls          []string
	RegisterErr    error
	LookupErr      error
	UnregisterFunc func(issuer string) error
}

var _ Table = (*basicTable)(nil)

func newBasicTable() *basicTable {
	return &basicTable{entries: make(map[string]*models.ProviderEntry)}
}

func (b *basicTable) Lookup(_ context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "lookup")
	if b.LookupErr != nil {
		return nil, false, b.LookupErr
	}
	e, ok := b.entries[issuer]
	return e.Clone(), ok, nil
}

func (b *basicTable) Register(_ context.Context, entry *models.ProviderEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "register")
	if b.RegisterErr != nil {
		return b.RegisterErr
	}
	if _, ok := b.entries[entry.Issuer]; ok {
		return ErrAlreadyRegistered
	}
	b.entries[entry.Issuer] = entry.Clone()
	return nil
}

func (b *basicTable) Unregister(_ context.Context, issuer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "unregister")
	if b.UnregisterFunc != nil {
		if err := b.UnregisterFunc(issuer); err != nil {
			return err
		}
	}
	delete(b.entries, issuer)
	return nil
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(issuer string) *models.ProviderConfig {
	return &models.ProviderConfig{
		Issuer:      issuer,
		ClientID:    "client",
		AuthURL:     "https://a.example/auth",
		TokenURL:    "https://a.example/token",
		RedirectURI: "https://localhost",
		UsePKCE:     true,
		Scope:       "openid",
		Hostnames:   []string{"mail.example.com"},
	}
}

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := NewMemoryTable()
	r := New(table, zap.NewNop())

	first := testConfig("acme")
	secret := "old-secret"
	first.ClientSecret = &secret
	if err := r.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	second := testConfig("acme")
	second.Hostnames = []string{"imap.example.com"}
	second.Scope = "email"
	if err := r.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if table.Len() != 1 {
		t.Fatalf("Expected exactly one entry, got %d", table.Len())
	}
	entry, ok, _ := r.Lookup(ctx, "acme")
	if !ok {
		t.Fatal("Expected acme to be registered")
	}
	if entry.ClientSecret != nil {
		t.Error("Expected secret from the first registration not to survive")
	}
	if entry.Scope != "email" || !slices.Equal(entry.Hostnames, []string{"imap.example.com"}) {
		t.Errorf("Expected second registration parameters, got %+v", entry)
	}
}

func TestRegistry_UpsertFallbackOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := newBasicTable()
	r := New(table, zap.NewNop())

	if err := r.Upsert(ctx, testConfig("acme")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := r.Upsert(ctx, testConfig("acme")); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	want := []string{"lookup", "register", "lookup", "unregister", "register"}
	if !slices.Equal(table.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, table.calls)
	}
	if len(table.entries) != 1 {
		t.Errorf("Expected one entry, got %d", len(table.entries))
	}
}

func TestRegistry_UpsertPropagatesTableErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	errRejected := errors.New("rejected")

	tests := []struct {
		name  string
		setup func(*basicTable)
	}{
		{name: "register", setup: func(b *basicTable) { b.RegisterErr = errRejected }},
		{name: "lookup", setup: func(b *basicTable) { b.LookupErr = errRejected }},
		{name: "unregister", setup: func(b *basicTable) {
			b.entries["acme"] = &models.ProviderEntry{Issuer: "acme"}
			b.UnregisterFunc = func(string) error { return errRejected }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			table := newBasicTable()
			tt.setup(table)
			r := New(table, zap.NewNop())

			if err := r.Upsert(ctx, testConfig("acme")); !errors.Is(err, errRejected) {
				t.Errorf("Expected rejected error, got %v", err)
			}
		})
	}
}

func TestRegistry_UpsertRejectsInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := NewMemoryTable()
	r := New(table, zap.NewNop())

	cfg := testConfig("acme")
	cfg.AuthURL = ""
	if err := r.Upsert(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if err := r.Upsert(ctx, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil, got %v", err)
	}
	if table.Len() != 0 {
		t.Error("Expected nothing registered")
	}
}

func TestRegistry_ConcurrentUpsertsKeepOneEntryPerIssuer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := newBasicTable()
	r := New(table, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := testConfig(fmt.Sprintf("issuer-%d", i%4))
			cfg.Scope = fmt.Sprintf("scope-%d", i)
			errs <- r.Upsert(ctx, cfg)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected upsert error: %v", err)
		}
	}
	if len(table.entries) != 4 {
		t.Errorf("Expected 4 issuers, got %d", len(table.entries))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.locks) != 0 {
		t.Errorf("Expected issuer locks to be released, got %d", len(r.locks))
	}
}

func TestRegistry_IsRegisteredAndUnregister(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(NewMemoryTable(), zap.NewNop())

	if r.IsRegistered(ctx, "acme") {
		t.Error("Expected acme not to be registered")
	}
	if err := r.Unregister(ctx, "acme"); err != nil {
		t.Errorf("Expected unregistering a missing issuer to be a no-op, got %v", err)
	}
	if err := r.Upsert(ctx, testConfig("acme")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !r.IsRegistered(ctx, "acme") {
		t.Error("Expected acme to be registered")
	}
	if err := r.Unregister(ctx, "acme"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if r.IsRegistered(ctx, "acme") {
		t.Error("Expected acme to be gone")
	}
}

func TestRegistry_Entries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	r := New(NewMemoryTable(), zap.NewNop())
	for _, issuer := range []string{"b", "a"} {
		if err := r.Upsert(ctx, testConfig(issuer)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Issuer != "a" {
		t.Errorf("Expected entries sorted by issuer, got %+v", entries)
	}

	if _, err := New(newBasicTable(), zap.NewNop()).Entries(ctx); !errors.Is(err, ErrListUnsupported) {
		t.Errorf("Expected ErrListUnsupported, got %v", err)
	}
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	entry := models.NewProviderEntry(testConfig("acme"), fixedTime)

	rawURL, verifier := AuthorizationURL(entry, "state-1")
	if verifier == "" {
		t.Fatal("Expected a PKCE verifier")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Invalid URL: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Errorf("Expected S256 challenge, got %q", u.RawQuery)
	}
	if q.Get("client_id") != "client" || q.Get("state") != "state-1" || q.Get("redirect_uri") != "https://localhost" {
		t.Errorf("Unexpected query %q", u.RawQuery)
	}

	entry.UsePKCE = false
	rawURL, verifier = AuthorizationURL(entry, "state-2")
	if verifier != "" {
		t.Error("Expected no verifier without PKCE")
	}
	u, _ = url.Parse(rawURL)
	if u.Query().Get("code_challenge") != "" {
		t.Error("Expected no code challenge without PKCE")
	}
}

func TestOAuth2Config_Scopes(t *testing.T) {
	t.Parallel()

	entry := models.NewProviderEntry(testConfig("acme"), fixedTime)
	entry.Scope = "  https://mail.example.com/   offline_access "
	cfg := OAuth2Config(entry)
	if !slices.Equal(cfg.Scopes, []string{"https://mail.example.com/", "offline_access"}) {
		t.Errorf("Unexpected scopes %v", cfg.Scopes)
	}
}
