// Package oidc verifies bearer tokens presented to the management API.
package oidc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/services/fetcher"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultJWKSTTL is how long a fetched key set is trusted
	DefaultJWKSTTL = time.Hour
	// minForcedRefresh limits forced refetches of one URL
	minForcedRefresh = time.Minute
)

// JWKSCache caches JWKS keys
type JWKSCache struct {
	keys    jwk.Set
	fetched time.Time
	expires time.Time
}

// JWKSManager manages JWKS fetching and caching. Concurrent misses for the same
// URL share one fetch.
type JWKSManager struct {
	getter fetcher.Getter
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	cache   map[string]*JWKSCache
	flights singleflight.Group
}

// NewJWKSManager creates a new JWKS manager
func NewJWKSManager(getter fetcher.Getter, ttl time.Duration) *JWKSManager {
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	return &JWKSManager{
		getter: getter,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]*JWKSCache),
	}
}

// GetJWKS retrieves JWKS for a given JWKS URL, with caching.
// forceRefresh bypasses the cache, for tokens signed by a rotated key, unless
// the set was fetched within the last minute.
func (m *JWKSManager) GetJWKS(ctx context.Context, jwksURL string, forceRefresh bool) (jwk.Set, error) {
	m.mu.RLock()
	entry, ok := m.cache[jwksURL]
	m.mu.RUnlock()
	if ok {
		now := m.now()
		if !forceRefresh && now.Before(entry.expires) {
			return entry.keys, nil
		}
		if forceRefresh && now.Sub(entry.fetched) < minForcedRefresh {
			return entry.keys, nil
		}
	}

	v, err, _ := m.flights.Do(jwksURL, func() (interface{}, error) {
		keys, err := m.fetchJWKS(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		now := m.now()
		m.mu.Lock()
		m.cache[jwksURL] = &JWKSCache{keys: keys, fetched: now, expires: now.Add(m.ttl)}
		m.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	return v.(jwk.Set), nil
}

func (m *JWKSManager) fetchJWKS(ctx context.Context, jwksURL string) (jwk.Set, error) {
	body, err := m.getter.Get(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	keys, err := jwk.Parse([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return keys, nil
}
