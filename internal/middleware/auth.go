package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	logpkg "github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/request"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oidc"
	"go.uber.org/zap"
)

// TokenVerifier verifies a bearer token and returns its claims
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*models.JWTClaims, error)
}

var _ TokenVerifier = (*oidc.Verifier)(nil)

// Auth requires a valid bearer token and, when requiredScope is set, that the
// token's scope claim contains it. Verified claims are attached to the request context.
func Auth(verifier TokenVerifier, requiredScope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(status int, errorType, message string) {
				securityEvent(logger, r, status)
				RespondError(w, r, status, errorType, message, logger)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject(http.StatusUnauthorized, "Unauthorized", "Missing Authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				reject(http.StatusUnauthorized, "Unauthorized", "Invalid Authorization header format")
				return
			}

			claims, err := verifier.Verify(r.Context(), strings.TrimSpace(token))
			if err != nil {
				if errors.Is(err, oidc.ErrInvalidToken) {
					logger.Debug("token_verification_failed", zap.String("error", logpkg.SanitizeError(err)))
					reject(http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
					return
				}
				logger.Error("token_verifier_unavailable", zap.String("error", logpkg.SanitizeError(err)))
				RespondError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Token verification is unavailable", logger)
				return
			}

			if requiredScope != "" && !oidc.HasScope(claims, requiredScope) {
				reject(http.StatusForbidden, "Forbidden", "Token lacks the required scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(request.WithClaims(r.Context(), claims)))
		})
	}
}
