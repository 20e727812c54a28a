package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/middleware"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"github.com/gorilla/mux"
)

const maxErrorMessageLength = 200

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// sanitizeErrorMessage bounds messages echoed to clients
func sanitizeErrorMessage(message string) string {
	if len(message) > maxErrorMessageLength {
		return message[:maxErrorMessageLength] + "..."
	}
	return message
}

// respondJSONError sends the error envelope with a bounded message
func respondJSONError(w http.ResponseWriter, r *http.Request, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := middleware.ErrorResponse{
		Success:   false,
		Error:     errorType,
		Message:   sanitizeErrorMessage(message),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// domainVar reads and normalizes the {domain} path variable, answering 400 when it is unusable
func domainVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	domain, err := validation.NormalizeDomain(mux.Vars(r)["domain"])
	if err != nil {
		respondJSONError(w, r, http.StatusBadRequest, "Bad Request", "Invalid domain")
		return "", false
	}
	return domain, true
}
