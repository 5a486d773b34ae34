package flow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/callback"
	"github.com/openbraininstitute/obi-auth/internal/keycloak"
)

// DefaultCallbackTimeout is how long PKCEFlow waits for the browser redirect.
const DefaultCallbackTimeout = 60 * time.Second

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// GeneratePKCEPair returns a code verifier and its S256 code challenge. The
// verifier is 40 random bytes, base64url encoded, with every
// non-alphanumeric character removed.
func GeneratePKCEPair() (verifier, challenge string, err error) {
	raw := make([]byte, 40)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = nonAlphanumeric.ReplaceAllString(base64.URLEncoding.EncodeToString(raw), "")
	return verifier, CodeChallenge(verifier), nil
}

// CodeChallenge returns base64url_nopad(SHA256(verifier)).
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PKCEOption configures a PKCEFlow.
type PKCEOption func(*PKCEFlow)

// WithBrowser replaces OpenBrowser.
func WithBrowser(open Opener) PKCEOption {
	return func(f *PKCEFlow) {
		f.openBrowser = open
	}
}

// WithCallbackTimeout sets how long to wait for the redirect.
func WithCallbackTimeout(d time.Duration) PKCEOption {
	return func(f *PKCEFlow) {
		f.timeout = d
	}
}

// WithPKCEHTTPClient sets the client used for the code exchange.
func WithPKCEHTTPClient(client *http.Client) PKCEOption {
	return func(f *PKCEFlow) {
		f.httpClient = client
	}
}

// WithOutput sets where the authorization URL is printed.
func WithOutput(w io.Writer) PKCEOption {
	return func(f *PKCEFlow) {
		f.out = w
	}
}

// PKCEFlow runs the authorization-code grant with PKCE.
type PKCEFlow struct {
	settings    keycloak.Settings
	httpClient  *http.Client
	openBrowser Opener
	timeout     time.Duration
	out         io.Writer
}

// NewPKCEFlow creates a PKCEFlow for the given identity provider.
func NewPKCEFlow(settings keycloak.Settings, opts ...PKCEOption) *PKCEFlow {
	f := &PKCEFlow{
		settings:    settings,
		openBrowser: OpenBrowser,
		timeout:     DefaultCallbackTimeout,
		out:         os.Stderr,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = keycloak.NewHTTPClient(nil)
	}
	return f
}

// AuthCodeURL builds the authorization URL for cfg.
func AuthCodeURL(cfg *oauth2.Config, challenge, idpHint string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if idpHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("kc_idp_hint", idpHint))
	}
	return cfg.AuthCodeURL("", opts...)
}

// Authenticate logs the user in through the browser. It returns an error
// wrapping callback.ErrTimeout when no redirect arrives in time. The code
// exchange is never retried.
func (f *PKCEFlow) Authenticate(ctx context.Context, env keycloak.Environment) (*oauth2.Token, error) {
	verifier, challenge, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}

	server := callback.New()
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "callback server shutdown failed", "error", err)
		}
	}()

	redirectURI, err := server.RedirectURI()
	if err != nil {
		return nil, err
	}
	cfg, err := f.settings.OAuth2Config(env, redirectURI)
	if err != nil {
		return nil, err
	}

	authURL := AuthCodeURL(cfg, challenge, f.settings.IDPHint)
	slog.InfoContext(ctx, "authentication url", "url", authURL)
	_, _ = fmt.Fprintf(f.out, "Open the following URL in your browser:\n%s\n", authURL)
	if err := f.openBrowser(authURL); err != nil {
		slog.WarnContext(ctx, "failed to open browser", "error", err)
	}

	code, err := server.WaitForCode(ctx, f.timeout)
	if err != nil {
		return nil, err
	}

	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := cfg.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tok, nil
}
