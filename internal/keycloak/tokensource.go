package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultHTTPTimeout bounds every request to the identity provider.
const DefaultHTTPTimeout = 30 * time.Second

// TokenSourceOption configures a TokenSource.
type TokenSourceOption func(*tokenSourceConfig)

// tokenSourceConfig holds configuration for NewTokenSource.
type tokenSourceConfig struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client used for refresh requests.
// If not provided, NewHTTPClient(nil) is used.
func WithHTTPClient(client *http.Client) TokenSourceOption {
	return func(c *tokenSourceConfig) {
		c.httpClient = client
	}
}

// NewHTTPClient returns a client with DefaultHTTPTimeout over transport,
// or over http.DefaultTransport when transport is nil.
func NewHTTPClient(transport http.RoundTripper) *http.Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   DefaultHTTPTimeout,
		Transport: transport,
	}
}

// TokenSource exchanges one refresh token for a fresh access/refresh pair.
type TokenSource struct {
	refreshToken string
	config       *oauth2.Config
	httpClient   *http.Client
}

// NewTokenSource creates a TokenSource for the given refresh token.
func NewTokenSource(refreshToken string, config *oauth2.Config, opts ...TokenSourceOption) *TokenSource {
	cfg := &tokenSourceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = NewHTTPClient(nil)
	}

	return &TokenSource{
		refreshToken: refreshToken,
		config:       config,
		httpClient:   cfg.httpClient,
	}
}

// Token posts grant_type=refresh_token to the token endpoint. The returned
// token keeps the old refresh token if the provider did not rotate it.
func (ts *TokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	if ts.refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}

	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
	ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.httpClient)

	// An empty access token forces the refresh on the first Token() call.
	src := ts.config.TokenSource(ctx, &oauth2.Token{RefreshToken: ts.refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

// Refresher refreshes tokens against a fixed realm and environment.
type Refresher struct {
	settings   Settings
	env        Environment
	httpClient *http.Client
}

// NewRefresher binds settings and an environment override. The token
// endpoint is resolved again on each Refresh call.
func NewRefresher(settings Settings, env Environment, httpClient *http.Client) *Refresher {
	return &Refresher{settings: settings, env: env, httpClient: httpClient}
}

// Refresh exchanges refreshToken for a new token pair.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg, err := r.settings.OAuth2Config(r.env, "")
	if err != nil {
		return nil, err
	}
	return NewTokenSource(refreshToken, cfg, WithHTTPClient(r.httpClient)).Token(ctx)
}
