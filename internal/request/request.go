package request

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// ClientIP extracts the client IP from the request, respecting X-Forwarded-For and X-Real-IP.
// The port is stripped from RemoteAddr so one client maps to one rate limit key.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WithClaims returns a context carrying the verified bearer token claims.
func WithClaims(ctx context.Context, claims *models.JWTClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the caller's token claims, or nil when the request was not authenticated.
func ClaimsFromContext(r *http.Request) *models.JWTClaims {
	c, _ := r.Context().Value(claimsContextKey).(*models.JWTClaims)
	return c
}

// Subject returns the authenticated caller's subject, or "anonymous".
func Subject(r *http.Request) string {
	if c := ClaimsFromContext(r); c != nil && c.Sub != "" {
		return c.Sub
	}
	return "anonymous"
}
