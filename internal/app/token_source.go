package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/tokencache"
)

// ErrNoToken is returned by TokenSource when login ended without a token.
var ErrNoToken = errors.New("no access token available")

// TokenSource adapts a Client to oauth2.TokenSource for use with oauth2.Transport.
// Calls are serialized so concurrent requests never start two logins.
type TokenSource struct {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx    context.Context
	client *Client
	env    keycloak.Environment
	device bool

	mu sync.Mutex
}

// Compile-time check to ensure TokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*TokenSource)(nil)

// TokenSource returns a source bound to ctx and env. With device set, cache
// misses log in through the device flow instead of the browser.
func (c *Client) TokenSource(ctx context.Context, env keycloak.Environment, device bool) *TokenSource {
	return &TokenSource{ctx: ctx, client: c, env: env, device: device}
}

// Token returns a bearer token whose Expiry comes from the access token's exp
// claim when it is a JWT.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	get := ts.client.Token
	if ts.device {
		get = ts.client.DeviceToken
	}

	access, err := get(ts.ctx, ts.env)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	if access == "" {
		return nil, ErrNoToken
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if claims, err := tokencache.ParseClaims(access); err == nil {
		tok.Expiry = claims.ExpiresAt
	}
	return tok, nil
}
