package middleware

import (
	"net/http"

	logpkg "github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/request"
	"go.uber.org/zap"
)

// Audit logs every state-changing call that succeeded, with the caller's token
// subject. It must run inside Auth to see the claims.
func Audit(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			if !isMutation(r.Method) || wrapped.statusCode >= 400 {
				return
			}
			logger.Info("api_mutation",
				zap.String("subject", logpkg.SanitizeString(request.Subject(r), logpkg.MaxGeneralStringLength)),
				zap.Int("status_code", wrapped.statusCode),
				zap.String("method", r.Method),
				zap.String("path", logpkg.SanitizeURL(r.URL.Path)),
				zap.String("ip", logpkg.SanitizeString(request.ClientIP(r), logpkg.MaxGeneralStringLength)),
			)
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// securityEvent logs a rejected credential
func securityEvent(logger *zap.Logger, r *http.Request, status int) {
	logger.Warn("security_event",
		zap.Int("status_code", status),
		zap.String("method", r.Method),
		zap.String("path", logpkg.SanitizeURL(r.URL.Path)),
		zap.String("ip", logpkg.SanitizeString(request.ClientIP(r), logpkg.MaxGeneralStringLength)),
	)
}
