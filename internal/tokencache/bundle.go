package tokencache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Bundle is a decrypted cache entry. RefreshToken is empty for entries
// written by flows that only return an access token.
type Bundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// BundleFromToken copies the token pair out of an oauth2 token.
func BundleFromToken(tok *oauth2.Token) Bundle {
	return Bundle{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
}

// Claims holds the validity window of a JWT.
type Claims struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime returns ExpiresAt - IssuedAt.
func (c Claims) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Expired reports whether now is at or past ExpiresAt. There is no grace period.
func (c Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ParseClaims reads iat and exp from a JWT without verifying its signature.
// Trust is the identity provider's concern when the token is used; the cache
// only needs the validity window.
func ParseClaims(token string) (Claims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("parsing token claims: %w", err)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return Claims{}, errors.New("token has no iat or exp claim")
	}
	return Claims{IssuedAt: claims.IssuedAt.Time, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// AccessClaims returns the validity window of the access token.
func (b Bundle) AccessClaims() (Claims, error) {
	return ParseClaims(b.AccessToken)
}

// RefreshClaims returns the validity window of the refresh token.
func (b Bundle) RefreshClaims() (Claims, error) {
	if b.RefreshToken == "" {
		return Claims{}, errors.New("bundle has no refresh token")
	}
	return ParseClaims(b.RefreshToken)
}

// storageClaims is the window the encrypted entry lives for: the refresh
// token's when it is a JWT, else the access token's.
func (b Bundle) storageClaims() (Claims, error) {
	if b.RefreshToken != "" {
		if c, err := b.RefreshClaims(); err == nil {
			return c, nil
		}
	}
	return b.AccessClaims()
}

func encodeBundle(b Bundle) ([]byte, error) {
	return json.Marshal(b)
}

// decodeBundle accepts both the JSON bundle and a bare access token.
func decodeBundle(plain []byte) Bundle {
	if bytes.HasPrefix(bytes.TrimSpace(plain), []byte("{")) {
		var b Bundle
		if err := json.Unmarshal(plain, &b); err == nil && b.AccessToken != "" {
			return b
		}
	}
	return Bundle{AccessToken: string(plain)}
}
