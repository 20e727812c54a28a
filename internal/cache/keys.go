package cache

import (
	"errors"
	"fmt"
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// ErrInvalidKey is returned when a stored key is not a canonical domain encoding
var ErrInvalidKey = errors.New("invalid cache key")

// EncodeDomain maps a domain to a key segment that DecodeDomain reverses exactly.
// Letters, digits and '-' are kept, '.' becomes '_', every other byte becomes %XX.
func EncodeDomain(domain string) string {
	var b strings.Builder
	b.Grow(len(domain))
	for i := 0; i < len(domain); i++ {
		c := domain[i]
		switch {
		case isPlain(c):
			b.WriteByte(c)
		case c == '.':
			b.WriteByte('_')
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// DecodeDomain reverses EncodeDomain. Only canonical encodings are accepted.
func DecodeDomain(key string) (string, error) {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case isPlain(c):
			b.WriteByte(c)
		case c == '_':
			b.WriteByte('.')
		case c == '%':
			if i+2 >= len(key) {
				return "", fmt.Errorf("%w: truncated escape in %q", ErrInvalidKey, key)
			}
			hi, okHi := unhex(key[i+1])
			lo, okLo := unhex(key[i+2])
			if !okHi || !okLo {
				return "", fmt.Errorf("%w: bad escape in %q", ErrInvalidKey, key)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		default:
			return "", fmt.Errorf("%w: unexpected byte %q", ErrInvalidKey, c)
		}
	}
	domain := b.String()
	if domain == "" || EncodeDomain(domain) != key {
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, key)
	}
	return domain, nil
}

func isPlain(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
