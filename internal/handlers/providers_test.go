package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/ispdb"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
	"github.com/gorilla/mux"
)

type mockService struct {
	CheckIfProviderExistsFunc func(ctx context.Context, hostname string) (bool, error)
	RefreshProviderFunc       func(ctx context.Context, hostname string) (bool, error)
	ClearCacheFunc            func(ctx context.Context, hostname string) error
	GetCachedDomainsFunc      func(ctx context.Context) []string
	GetProviderDetailsFunc    func(ctx context.Context, hostname string) (*models.ProviderDetails, bool)
	ScanAllFunc               func(ctx context.Context) (scanner.Result, error)
	RefreshAllFunc            func(ctx context.Context) (scanner.Result, error)
	LookupISPFunc             func(ctx context.Context, domain string) (*models.ISPConfig, error)
	RegistryEntriesFunc       func(ctx context.Context) ([]*models.ProviderEntry, error)
	RegistryEntryFunc         func(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error)
	HandleAccountEventsFunc   func(ctx context.Context, events []models.AccountEvent) error
}

var _ ProviderService = (*mockService)(nil)

func (m *mockService) CheckIfProviderExists(ctx context.Context, hostname string) (bool, error) {
	return m.CheckIfProviderExistsFunc(ctx, hostname)
}

func (m *mockService) RefreshProvider(ctx context.Context, hostname string) (bool, error) {
	return m.RefreshProviderFunc(ctx, hostname)
}

func (m *mockService) ClearCache(ctx context.Context, hostname string) error {
	return m.ClearCacheFunc(ctx, hostname)
}

func (m *mockService) GetCachedDomains(ctx context.Context) []string {
	return m.GetCachedDomainsFunc(ctx)
}

func (m *mockService) GetProviderDetails(ctx context.Context, hostname string) (*models.ProviderDetails, bool) {
	return m.GetProviderDetailsFunc(ctx, hostname)
}

func (m *mockService) ScanAll(ctx context.Context) (scanner.Result, error) {
	return m.ScanAllFunc(ctx)
}

func (m *mockService) RefreshAll(ctx context.Context) (scanner.Result, error) {
	return m.RefreshAllFunc(ctx)
}

func (m *mockService) LookupISP(ctx context.Context, domain string) (*models.ISPConfig, error) {
	return m.LookupISPFunc(ctx, domain)
}

func (m *mockService) RegistryEntries(ctx context.Context) ([]*models.ProviderEntry, error) {
	return m.RegistryEntriesFunc(ctx)
}

func (m *mockService) RegistryEntry(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	return m.RegistryEntryFunc(ctx, issuer)
}

func (m *mockService) HandleAccountEvents(ctx context.Context, events []models.AccountEvent) error {
	return m.HandleAccountEventsFunc(ctx, events)
}

func newTestRouter(svc ProviderService) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	NewProviderHandler(svc, nil).RegisterRoutes(api, api)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func serve(t *testing.T, r http.Handler, method, target, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return w.Code, env
}

func TestProviderHandler_Exists(t *testing.T) {
	t.Parallel()

	var checked, refreshed string
	svc := &mockService{
		CheckIfProviderExistsFunc: func(_ context.Context, hostname string) (bool, error) {
			checked = hostname
			return true, nil
		},
		RefreshProviderFunc: func(_ context.Context, hostname string) (bool, error) {
			refreshed = hostname
			return false, errors.New("registry unavailable")
		},
	}
	r := newTestRouter(svc)

	status, env := serve(t, r, "GET", "/api/v1/providers/Example.COM/exists", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var got ExistsResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if !got.Exists || got.Domain != "example.com" {
		t.Errorf("Expected exists for example.com, got %+v", got)
	}
	if checked != "example.com" {
		t.Errorf("Expected normalized domain passed to service, got %q", checked)
	}

	status, env = serve(t, r, "POST", "/api/v1/providers/example.com/refresh", "")
	if status != http.StatusBadGateway {
		t.Errorf("Expected status 502 on registration failure, got %d", status)
	}
	if env.Success {
		t.Error("Expected success to be false")
	}
	if refreshed != "example.com" {
		t.Errorf("Expected refresh for example.com, got %q", refreshed)
	}
}

func TestProviderHandler_InvalidDomain(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		CheckIfProviderExistsFunc: func(context.Context, string) (bool, error) {
			t.Error("Service should not be called for an invalid domain")
			return false, nil
		},
	}
	status, env := serve(t, newTestRouter(svc), "GET", "/api/v1/providers/a..b/exists", "")
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", status)
	}
	if env.Error != "Bad Request" {
		t.Errorf("Expected error 'Bad Request', got %q", env.Error)
	}
}

func TestProviderHandler_Details(t *testing.T) {
	t.Parallel()

	cachedAt := time.Now().Add(-time.Hour)
	age := int64(time.Hour / time.Millisecond)
	svc := &mockService{
		GetProviderDetailsFunc: func(_ context.Context, hostname string) (*models.ProviderDetails, bool) {
			if hostname != "example.com" {
				return nil, false
			}
			return &models.ProviderDetails{Domain: hostname, Issuer: "accounts.example.com", CachedAt: &cachedAt, AgeMs: &age}, true
		},
	}
	r := newTestRouter(svc)

	status, env := serve(t, r, "GET", "/api/v1/providers/example.com", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var details models.ProviderDetails
	if err := json.Unmarshal(env.Data, &details); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if details.Issuer != "accounts.example.com" {
		t.Errorf("Expected issuer accounts.example.com, got %q", details.Issuer)
	}

	status, _ = serve(t, r, "GET", "/api/v1/providers/unknown.example", "")
	if status != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", status)
	}
}

func TestProviderHandler_Cache(t *testing.T) {
	t.Parallel()

	var cleared []string
	svc := &mockService{
		GetCachedDomainsFunc: func(context.Context) []string { return []string{"a.example", "b.example"} },
		ClearCacheFunc: func(_ context.Context, hostname string) error {
			cleared = append(cleared, hostname)
			if hostname == "broken.example" {
				return errors.New("store down")
			}
			return nil
		},
	}
	r := newTestRouter(svc)

	status, env := serve(t, r, "GET", "/api/v1/cache", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var list CachedDomainsResponse
	_ = json.Unmarshal(env.Data, &list)
	if len(list.Domains) != 2 {
		t.Errorf("Expected 2 domains, got %v", list.Domains)
	}

	tests := []struct {
		target  string
		success bool
	}{
		{target: "/api/v1/cache", success: true},
		{target: "/api/v1/cache/a.example", success: true},
		{target: "/api/v1/cache/broken.example", success: false},
	}
	for _, tt := range tests {
		status, env := serve(t, r, "DELETE", tt.target, "")
		if status != http.StatusOK {
			t.Errorf("%s: Expected status 200, got %d", tt.target, status)
		}
		var res ClearResponse
		_ = json.Unmarshal(env.Data, &res)
		if res.Success != tt.success {
			t.Errorf("%s: Expected success %v, got %v", tt.target, tt.success, res.Success)
		}
	}
	if len(cleared) != 3 || cleared[0] != "" || cleared[1] != "a.example" {
		t.Errorf("Unexpected clear calls: %q", cleared)
	}
}

func TestProviderHandler_Scan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		result         scanner.Result
		err            error
		expectedStatus int
		expectedSum    string
	}{
		{name: "partial success", result: scanner.Result{Total: 5, Registered: 3, Failed: 2}, expectedStatus: http.StatusOK, expectedSum: "3/5 registered"},
		{name: "no account source", err: oauthprovider.ErrNoAccountSource, expectedStatus: http.StatusConflict},
		{name: "source failure", err: errors.New("read accounts: permission denied"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				ScanAllFunc: func(context.Context) (scanner.Result, error) { return tt.result, tt.err },
			}
			status, env := serve(t, newTestRouter(svc), "POST", "/api/v1/scan", "")
			if status != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, status)
			}
			if tt.expectedSum == "" {
				return
			}
			var res ScanResponse
			if err := json.Unmarshal(env.Data, &res); err != nil {
				t.Fatalf("Failed to decode data: %v", err)
			}
			if res.Summary != tt.expectedSum || res.Failed != 2 {
				t.Errorf("Expected summary %q with 2 failures, got %+v", tt.expectedSum, res)
			}
		})
	}
}

func TestProviderHandler_RefreshAll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		result         scanner.Result
		err            error
		expectedStatus int
		expectedSum    string
		expectedFailed int
	}{
		{
			name:           "partial success",
			result:         scanner.Result{Domains: []string{"a.example", "b.example", "c.example"}, Total: 3, Registered: 2, Failed: 1},
			expectedStatus: http.StatusOK,
			expectedSum:    "2/3 registered",
			expectedFailed: 1,
		},
		{
			name:           "empty cache",
			result:         scanner.Result{Domains: []string{}},
			expectedStatus: http.StatusOK,
			expectedSum:    "0/0 registered",
		},
		{
			name:           "interrupted",
			result:         scanner.Result{Total: 3, Registered: 1, Canceled: true},
			err:            context.Canceled,
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				RefreshAllFunc: func(context.Context) (scanner.Result, error) { return tt.result, tt.err },
			}
			status, env := serve(t, newTestRouter(svc), "POST", "/api/v1/cache/refresh", "")
			if status != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, status)
			}
			if tt.err != nil {
				if env.Message != "Refresh interrupted after 1/3 registered" {
					t.Errorf("Expected partial counts in message, got '%s'", env.Message)
				}
				return
			}
			var res ScanResponse
			if err := json.Unmarshal(env.Data, &res); err != nil {
				t.Fatalf("Failed to decode data: %v", err)
			}
			if res.Summary != tt.expectedSum || res.Failed != tt.expectedFailed {
				t.Errorf("Expected summary %q with %d failures, got %+v", tt.expectedSum, tt.expectedFailed, res)
			}
		})
	}
}

func TestProviderHandler_AccountEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		svcErr         error
		expectedStatus int
		expectCall     bool
	}{
		{name: "valid batch", body: `{"events":[{"account_id":"acct1","type":"created"},{"account_id":"acct2","type":"updated"}]}`, expectedStatus: http.StatusAccepted, expectCall: true},
		{name: "unknown type", body: `{"events":[{"account_id":"acct1","type":"deleted"}]}`, expectedStatus: http.StatusBadRequest},
		{name: "missing account id", body: `{"events":[{"type":"created"}]}`, expectedStatus: http.StatusBadRequest},
		{name: "empty batch", body: `{"events":[]}`, expectedStatus: http.StatusBadRequest},
		{name: "malformed json", body: `{"events":`, expectedStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"events":[{"account_id":"a","type":"created"}],"extra":1}`, expectedStatus: http.StatusBadRequest},
		{name: "no account source", body: `{"events":[{"account_id":"a","type":"created"}]}`, svcErr: oauthprovider.ErrNoAccountSource, expectedStatus: http.StatusConflict, expectCall: true},
		{name: "closed", body: `{"events":[{"account_id":"a","type":"created"}]}`, svcErr: oauthprovider.ErrClosed, expectedStatus: http.StatusServiceUnavailable, expectCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			svc := &mockService{
				HandleAccountEventsFunc: func(_ context.Context, events []models.AccountEvent) error {
					called = true
					return tt.svcErr
				},
			}
			status, _ := serve(t, newTestRouter(svc), "POST", "/api/v1/accounts/events", tt.body)
			if status != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, status)
			}
			if called != tt.expectCall {
				t.Errorf("Expected service call %v, got %v", tt.expectCall, called)
			}
		})
	}
}

func TestProviderHandler_LookupISP(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		LookupISPFunc: func(_ context.Context, domain string) (*models.ISPConfig, error) {
			switch domain {
			case "example.com":
				return &models.ISPConfig{Domain: domain, ProviderID: "example.com", DisplayName: "Example Mail"}, nil
			case "empty.example":
				return nil, ispdb.ErrNoProvider
			default:
				return nil, errors.New("ispdb: fetch: dial tcp: timeout")
			}
		},
	}
	r := newTestRouter(svc)

	tests := []struct {
		target         string
		expectedStatus int
	}{
		{target: "/api/v1/isp/example.com", expectedStatus: http.StatusOK},
		{target: "/api/v1/isp/empty.example", expectedStatus: http.StatusNotFound},
		{target: "/api/v1/isp/down.example", expectedStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		if status, _ := serve(t, r, "GET", tt.target, ""); status != tt.expectedStatus {
			t.Errorf("%s: Expected status %d, got %d", tt.target, tt.expectedStatus, status)
		}
	}
}

func TestProviderHandler_Registry(t *testing.T) {
	t.Parallel()

	secret := "do-not-leak"
	entry := &models.ProviderEntry{
		Issuer:       "accounts.example.com",
		ClientID:     "thunderbird",
		ClientSecret: &secret,
		AuthURL:      "https://accounts.example.com/auth",
		TokenURL:     "https://accounts.example.com/token",
		RedirectURI:  "https://localhost",
		UsePKCE:      true,
		Scope:        "mail offline_access",
		Hostnames:    []string{"imap.example.com"},
	}
	svc := &mockService{
		RegistryEntriesFunc: func(context.Context) ([]*models.ProviderEntry, error) {
			return []*models.ProviderEntry{entry}, nil
		},
		RegistryEntryFunc: func(_ context.Context, issuer string) (*models.ProviderEntry, bool, error) {
			if issuer == entry.Issuer {
				return entry, true, nil
			}
			return nil, false, nil
		},
	}
	r := newTestRouter(svc)

	status, env := serve(t, r, "GET", "/api/v1/registry", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if strings.Contains(string(env.Data), secret) {
		t.Error("Expected client secret to be omitted from registry listing")
	}

	status, env = serve(t, r, "GET", "/api/v1/registry/accounts.example.com", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var got RegistryEntryResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if !strings.HasPrefix(got.AuthorizationURL, "https://accounts.example.com/auth?") {
		t.Errorf("Expected authorization URL on the provider, got %q", got.AuthorizationURL)
	}
	if !strings.Contains(got.AuthorizationURL, "code_challenge_method=S256") || got.CodeVerifier == "" {
		t.Errorf("Expected a PKCE challenge and verifier, got %q", got.AuthorizationURL)
	}
	if !strings.Contains(got.AuthorizationURL, "state="+got.State) {
		t.Errorf("Expected state %q in URL", got.State)
	}
	if strings.Contains(string(env.Data), secret) {
		t.Error("Expected client secret to be omitted from registry entry")
	}

	status, _ = serve(t, r, "GET", "/api/v1/registry/unknown.example", "")
	if status != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", status)
	}
}
