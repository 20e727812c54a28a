package logger

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxDomainLength is the maximum length for domains in logs (DNS names are at most 253 chars)
	MaxDomainLength = 260
	// MaxURLLength is the maximum length for URLs in logs
	MaxURLLength = 500
	// MaxErrorMessageLength is the maximum length for error messages in logs
	MaxErrorMessageLength = 1000
	// MaxDocumentValueLength bounds values extracted from provider documents
	MaxDocumentValueLength = 300
	// MaxGeneralStringLength is the maximum length for general strings in logs
	MaxGeneralStringLength = 2000
)

// SanitizeString sanitizes a general string for safe logging.
// Removes control characters, truncates to maxLength, and validates UTF-8.
func SanitizeString(s string, maxLength int) string {
	if s == "" {
		return ""
	}
	if maxLength <= 0 {
		maxLength = MaxGeneralStringLength
	}
	s = sanitizeFilterRunes(s)
	if len(s) > maxLength {
		s = s[:maxLength] + "..."
	}
	return s
}

// sanitizeFilterRunes validates UTF-8 and drops every control character, newlines included,
// so a hostile document cannot forge extra log lines.
func sanitizeFilterRunes(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	var builder strings.Builder
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsPrint(r) || r == ' ' {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// SanitizeDomain sanitizes a caller-supplied domain for logging
func SanitizeDomain(domain string) string {
	return SanitizeString(domain, MaxDomainLength)
}

// SanitizeURL sanitizes a candidate or redirect URL for logging
func SanitizeURL(rawURL string) string {
	return SanitizeString(rawURL, MaxURLLength)
}

// SanitizeDocumentValue sanitizes a value extracted from an untrusted autoconfig document
func SanitizeDocumentValue(value string) string {
	return SanitizeString(value, MaxDocumentValueLength)
}

// SanitizeError sanitizes an error message for safe logging
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error(), MaxErrorMessageLength)
}
