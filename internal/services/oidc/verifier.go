package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken is returned for tokens that fail signature or claim validation
var ErrInvalidToken = errors.New("invalid token")

// Verifier verifies JWT tokens against one JWKS endpoint
type Verifier struct {
	jwksManager *JWKSManager
	jwksURL     string
	issuer      string
}

// NewVerifier creates a new JWT verifier. An empty issuer accepts any issuer.
func NewVerifier(jwksManager *JWKSManager, jwksURL, issuer string) *Verifier {
	return &Verifier{
		jwksManager: jwksManager,
		jwksURL:     jwksURL,
		issuer:      issuer,
	}
}

// Verify verifies a JWT token and extracts claims. A verification failure with a
// cached key set is retried once against a freshly fetched set.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*models.JWTClaims, error) {
	token, err := v.parse(ctx, tokenString, false)
	if err != nil && !errors.Is(err, errKeySet) {
		token, err = v.parse(ctx, tokenString, true)
	}
	if err != nil {
		return nil, err
	}

	claims := &models.JWTClaims{
		Sub: token.Subject(),
		Iss: token.Issuer(),
		Aud: token.Audience(),
	}
	if !token.Expiration().IsZero() {
		claims.Exp = token.Expiration().Unix()
	}
	if !token.IssuedAt().IsZero() {
		claims.Iat = token.IssuedAt().Unix()
	}
	if scope, ok := token.Get("scope"); ok {
		if s, ok := scope.(string); ok {
			claims.Scope = s
		}
	}
	return claims, nil
}

var errKeySet = errors.New("key set unavailable")

func (v *Verifier) parse(ctx context.Context, tokenString string, forceRefresh bool) (jwt.Token, error) {
	keys, err := v.jwksManager.GetJWKS(ctx, v.jwksURL, forceRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errKeySet, err)
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(keys), jwt.WithValidate(true)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return token, nil
}

// HasScope reports whether the space-separated scope claim contains want
func HasScope(claims *models.JWTClaims, want string) bool {
	for _, s := range strings.Fields(claims.Scope) {
		if s == want {
			return true
		}
	}
	return false
}
