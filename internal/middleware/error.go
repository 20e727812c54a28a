package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	logpkg "github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/request"
	"go.uber.org/zap"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// ErrorHandler turns handler panics into a 500 envelope. http.ErrAbortHandler is
// re-raised so net/http can abort the response.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					// Panic details stay in the server log
					logger.Error("panic_recovered",
						zap.String("error", logpkg.SanitizeString(fmt.Sprint(err), 512)),
						zap.String("path", logpkg.SanitizeURL(r.URL.Path)),
						zap.String("method", r.Method),
						zap.String("client_ip", request.ClientIP(r)),
						zap.Stack("stack"),
					)
					RespondError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred", logger)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RespondError writes the JSON error envelope shared by middleware and handlers
func RespondError(w http.ResponseWriter, r *http.Request, status int, errorType, message string, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := ErrorResponse{
		Success:   false,
		Error:     errorType,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed_to_encode_error_response",
			zap.Error(err),
			zap.Int("status_code", status),
			zap.String("path", logpkg.SanitizeURL(r.URL.Path)),
		)
	}
}
