package models

// JWTClaims represents the claims of a management API bearer token
type JWTClaims struct {
	Sub   string   `json:"sub"`
	Iss   string   `json:"iss"`
	Aud   []string `json:"aud,omitempty"`
	Scope string   `json:"scope,omitempty"`
	Exp   int64    `json:"exp"`
	Iat   int64    `json:"iat"`
}
