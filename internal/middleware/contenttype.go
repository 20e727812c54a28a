package middleware

import (
	"mime"
	"net/http"

	"go.uber.org/zap"
)

// ContentType requires application/json on requests that carry a body.
// Bodyless POSTs such as refresh and scan pass through.
func ContentType(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasBody(r) {
				contentType := r.Header.Get("Content-Type")
				if contentType == "" {
					RespondError(w, r, http.StatusBadRequest, "Bad Request", "Content-Type header is required", logger)
					return
				}
				mediaType, _, err := mime.ParseMediaType(contentType)
				if err != nil || mediaType != "application/json" {
					RespondError(w, r, http.StatusUnsupportedMediaType, "Unsupported Media Type", "Content-Type must be application/json", logger)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		// -1 means unknown length, e.g. chunked
		return r.ContentLength != 0
	default:
		return false
	}
}
