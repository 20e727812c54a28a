package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const testJWKSURL = "https://idp.example.com/.well-known/jwks.json"

type mockGetter struct {
	mu      sync.Mutex
	body    string
	calls   atomic.Int32
	getFunc func(ctx context.Context, url string) (string, error)
}

func (m *mockGetter) Get(ctx context.Context, url string) (string, error) {
	m.calls.Add(1)
	if m.getFunc != nil {
		return m.getFunc(ctx, url)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body, nil
}

func (m *mockGetter) setBody(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = body
}

type signer struct {
	private jwk.Key
	public  jwk.Key
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	private, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	_ = private.Set(jwk.KeyIDKey, kid)
	_ = private.Set(jwk.AlgorithmKey, jwa.RS256)
	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		t.Fatalf("Failed to derive public key: %v", err)
	}
	return &signer{private: private, public: public}
}

func jwksBody(t *testing.T, keys ...jwk.Key) string {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			t.Fatalf("Failed to add key: %v", err)
		}
	}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Failed to marshal set: %v", err)
	}
	return string(data)
}

func (s *signer) sign(t *testing.T, issuer string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Issuer(issuer).
		Subject("ops-bot").
		Audience([]string{"autoconfig"}).
		IssuedAt(time.Now().Add(-time.Minute)).
		Expiration(exp).
		Claim("scope", "providers:write cache:clear").
		Build()
	if err != nil {
		t.Fatalf("Failed to build token: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, s.private))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return string(signed)
}

func TestVerifier_Verify(t *testing.T) {
	t.Parallel()

	good := newSigner(t, "key-1")
	other := newSigner(t, "key-2")
	getter := &mockGetter{body: jwksBody(t, good.public)}
	verifier := NewVerifier(NewJWKSManager(getter, time.Hour), testJWKSURL, "https://idp.example.com")

	tests := []struct {
		name        string
		token       string
		expectError bool
		validate    func(*testing.T, *models.JWTClaims)
	}{
		{
			name:  "valid token",
			token: good.sign(t, "https://idp.example.com", time.Now().Add(time.Hour)),
			validate: func(t *testing.T, claims *models.JWTClaims) {
				if claims.Sub != "ops-bot" {
					t.Errorf("Expected sub 'ops-bot', got '%s'", claims.Sub)
				}
				if len(claims.Aud) != 1 || claims.Aud[0] != "autoconfig" {
					t.Errorf("Expected aud [autoconfig], got %v", claims.Aud)
				}
				if !HasScope(claims, "cache:clear") {
					t.Errorf("Expected cache:clear scope, got %q", claims.Scope)
				}
				if claims.Exp == 0 || claims.Iat == 0 {
					t.Error("Expected exp and iat to be set")
				}
			},
		},
		{
			name:        "expired token",
			token:       good.sign(t, "https://idp.example.com", time.Now().Add(-time.Hour)),
			expectError: true,
		},
		{
			name:        "wrong issuer",
			token:       good.sign(t, "https://evil.example.com", time.Now().Add(time.Hour)),
			expectError: true,
		},
		{
			name:        "unknown signing key",
			token:       other.sign(t, "https://idp.example.com", time.Now().Add(time.Hour)),
			expectError: true,
		},
		{
			name:        "garbage",
			token:       "not-a-jwt",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, err := verifier.Verify(context.Background(), tt.token)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("Expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, claims)
			}
		})
	}
}

func TestVerifier_KeyRotation(t *testing.T) {
	t.Parallel()

	oldKey := newSigner(t, "old")
	newKey := newSigner(t, "new")
	getter := &mockGetter{body: jwksBody(t, oldKey.public)}
	manager := NewJWKSManager(getter, time.Hour)
	verifier := NewVerifier(manager, testJWKSURL, "")

	if _, err := verifier.Verify(context.Background(), oldKey.sign(t, "any", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Rotated set is picked up once the forced-refresh window has passed
	getter.setBody(jwksBody(t, newKey.public))
	manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := verifier.Verify(context.Background(), newKey.sign(t, "any", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Expected token from rotated key to verify, got %v", err)
	}
	if got := getter.calls.Load(); got != 2 {
		t.Errorf("Expected 2 JWKS fetches, got %d", got)
	}
}

func TestJWKSManager_Caching(t *testing.T) {
	t.Parallel()

	key := newSigner(t, "k")
	getter := &mockGetter{body: jwksBody(t, key.public)}
	manager := NewJWKSManager(getter, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := manager.GetJWKS(ctx, testJWKSURL, false); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if got := getter.calls.Load(); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}

	// Forced refreshes inside the minimum interval are served from cache
	if _, err := manager.GetJWKS(ctx, testJWKSURL, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := getter.calls.Load(); got != 1 {
		t.Errorf("Expected forced refresh to be throttled, got %d fetches", got)
	}

	manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := manager.GetJWKS(ctx, testJWKSURL, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := getter.calls.Load(); got != 2 {
		t.Errorf("Expected refetch after TTL, got %d fetches", got)
	}
}

func TestJWKSManager_FetchError(t *testing.T) {
	t.Parallel()

	getter := &mockGetter{getFunc: func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	}}
	verifier := NewVerifier(NewJWKSManager(getter, 0), testJWKSURL, "")

	_, err := verifier.Verify(context.Background(), "a.b.c")
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Error("Expected key set failure, not an invalid token")
	}
	if got := getter.calls.Load(); got != 1 {
		t.Errorf("Expected no retry when the key set is unavailable, got %d fetches", got)
	}
}
