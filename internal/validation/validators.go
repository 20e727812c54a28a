package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxDomainLength is the longest domain name accepted as a lookup key
const MaxDomainLength = 253

// ErrEmptyDomain is returned when a domain is empty after trimming
var ErrEmptyDomain = errors.New("domain is empty")

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	if err := Validate.RegisterValidation("maildomain", validateMailDomain); err != nil {
		panic(fmt.Sprintf("failed to register maildomain validator: %v", err))
	}
}

// validateMailDomain accepts strings usable as a DNS label sequence inside a URL host
func validateMailDomain(fl validator.FieldLevel) bool {
	return isMailDomain(fl.Field().String())
}

func isMailDomain(value string) bool {
	if value == "" || len(value) > MaxDomainLength {
		return false
	}
	if strings.ContainsAny(value, "/?#@: \t\r\n\\") {
		return false
	}
	return !strings.HasPrefix(value, ".") && !strings.Contains(value, "..")
}

// NormalizeDomain trims and lowercases a domain and checks it can be placed in a URL host
func NormalizeDomain(domain string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(domain))
	if normalized == "" {
		return "", ErrEmptyDomain
	}
	if err := Validate.Var(normalized, "maildomain"); err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", normalized, err)
	}
	return normalized, nil
}

// FieldErrors flattens validator errors into the failing struct field names
func FieldErrors(err error) []string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return nil
	}
	fields := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		fields = append(fields, fe.Field())
	}
	return fields
}
