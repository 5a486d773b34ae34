package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/callback"
	"github.com/openbraininstitute/obi-auth/internal/flow"
	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/machine"
	"github.com/openbraininstitute/obi-auth/internal/tokencache"
	"github.com/openbraininstitute/obi-auth/internal/tokenstore"
)

var tracer = otel.Tracer("github.com/openbraininstitute/obi-auth/internal/app")

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	identity   *machine.Identity
	store      tokenstore.Store
	httpClient *http.Client
	now        func() time.Time
	pkceOpts   []flow.PKCEOption
	deviceOpts []flow.DeviceOption
}

// WithIdentity replaces the machine identity used for key and path derivation.
func WithIdentity(id machine.Identity) Option {
	return func(o *clientOptions) {
		o.identity = &id
	}
}

// WithStore replaces the configured token store.
func WithStore(store tokenstore.Store) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithHTTPClient sets the client used for every identity-provider request.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithClock replaces time.Now for cache expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.now = now
	}
}

// WithPKCEOptions passes extra options to the browser flow.
func WithPKCEOptions(opts ...flow.PKCEOption) Option {
	return func(o *clientOptions) {
		o.pkceOpts = append(o.pkceOpts, opts...)
	}
}

// WithDeviceOptions passes extra options to the device flow.
func WithDeviceOptions(opts ...flow.DeviceOption) Option {
	return func(o *clientOptions) {
		o.deviceOpts = append(o.deviceOpts, opts...)
	}
}

// Client returns access tokens, from the cache when possible and through an
// interactive login otherwise.
type Client struct {
	cfg        *Config
	store      tokenstore.Store
	cache      *tokencache.Cache
	httpClient *http.Client
	pkce       *flow.PKCEFlow
	device     *flow.DeviceFlow
}

// New creates a Client. It resolves the machine identity and the token store
// but does not read the cache.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = keycloak.NewHTTPClient(nil)
	}
	if o.identity == nil {
		id, err := machine.CurrentIdentity()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve machine identity: %w", err)
		}
		o.identity = &id
	}

	store := o.store
	if store == nil {
		var err error
		store, err = cfg.NewTokenStore(*o.identity)
		if err != nil {
			return nil, fmt.Errorf("failed to create token store: %w", err)
		}
	}

	key, err := cfg.Key(*o.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption key: %w", err)
	}

	var cacheOpts []tokencache.Option
	if o.now != nil {
		cacheOpts = append(cacheOpts, tokencache.WithClock(o.now))
	}

	pkceOpts := append([]flow.PKCEOption{
		flow.WithPKCEHTTPClient(o.httpClient),
		flow.WithCallbackTimeout(cfg.LocalServer.Timeout),
	}, o.pkceOpts...)

	deviceOpts := []flow.DeviceOption{flow.WithDeviceHTTPClient(o.httpClient)}
	if cfg.Device.MaxRetries > 0 {
		deviceOpts = append(deviceOpts, flow.WithMaxRetries(cfg.Device.MaxRetries))
	}
	deviceOpts = append(deviceOpts, o.deviceOpts...)

	return &Client{
		cfg:        cfg,
		store:      store,
		cache:      tokencache.New(key, cacheOpts...),
		httpClient: o.httpClient,
		pkce:       flow.NewPKCEFlow(cfg.Keycloak, pkceOpts...),
		device:     flow.NewDeviceFlow(cfg.Keycloak, deviceOpts...),
	}, nil
}

// authenticator runs one interactive login.
type authenticator func(ctx context.Context, env keycloak.Environment) (*oauth2.Token, error)

// Token returns an access token for env, logging in through the browser on a
// cache miss. An empty env selects the configured environment. When the
// browser redirect does not arrive in time, Token logs a warning and returns
// an empty string with a nil error.
func (c *Client) Token(ctx context.Context, env keycloak.Environment) (string, error) {
	return c.token(ctx, "pkce", env, c.pkce.Authenticate)
}

// DeviceToken is like Token but logs in with the device-authorization flow,
// for sessions without a local browser.
func (c *Client) DeviceToken(ctx context.Context, env keycloak.Environment) (string, error) {
	return c.token(ctx, "device", env, c.device.Authenticate)
}

func (c *Client) token(ctx context.Context, method string, env keycloak.Environment, login authenticator) (string, error) {
	resolved := c.cfg.Keycloak.Resolve(env)
	ctx, span := tracer.Start(ctx, "obi-auth.token", trace.WithAttributes(
		attribute.String("obi_auth.environment", string(resolved)),
		attribute.String("obi_auth.method", method),
	))
	defer span.End()

	token, err := c.obtain(ctx, method, env, login)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return token, err
}

func (c *Client) obtain(ctx context.Context, method string, env keycloak.Environment, login authenticator) (string, error) {
	// Unknown environments fail before any I/O.
	if _, err := c.cfg.Keycloak.URL(env); err != nil {
		return "", err
	}

	refresher := keycloak.NewRefresher(c.cfg.Keycloak, env, c.httpClient)
	bundle, err := c.cache.Get(ctx, c.store, refresher)
	if err != nil {
		// Only a refresh the provider rejected (invalid_grant, revoked
		// session) falls back to a new login; transport failures are returned.
		var rejected *oauth2.RetrieveError
		if !errors.As(err, &rejected) {
			return "", fmt.Errorf("refreshing cached token: %w", err)
		}
		slog.WarnContext(ctx, "cached token was rejected by the provider, logging in again", "error", err)
	} else if bundle != nil {
		slog.DebugContext(ctx, "using cached token")
		return bundle.AccessToken, nil
	}

	slog.InfoContext(ctx, "no valid cached token, starting login", "method", method)
	tok, err := login(ctx, env)
	if err != nil {
		if errors.Is(err, callback.ErrTimeout) {
			slog.WarnContext(ctx, "timed out waiting for the browser login", "error", err)
			return "", nil
		}
		return "", err
	}

	fresh := tokencache.BundleFromToken(tok)
	if err := c.cache.Set(ctx, fresh, c.store); err != nil {
		// The token is still usable; the next call logs in again.
		slog.ErrorContext(ctx, "failed to persist token", "error", err)
	}
	return fresh.AccessToken, nil
}

// Logout removes the cached token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing token store: %w", err)
	}
	return nil
}

// Status describes the cached token without refreshing it.
type Status struct {
	Cached bool
	// Bare is set for entries holding only an access token.
	Bare             bool
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Status inspects the cached token. Unreadable entries report Cached=false.
func (c *Client) Status(ctx context.Context) (Status, error) {
	bundle, err := c.cache.Inspect(ctx, c.store)
	if err != nil {
		return Status{}, err
	}
	if bundle == nil {
		return Status{}, nil
	}

	st := Status{Cached: true, Bare: bundle.RefreshToken == ""}
	if claims, err := bundle.AccessClaims(); err == nil {
		st.AccessExpiresAt = claims.ExpiresAt
	}
	if claims, err := bundle.RefreshClaims(); err == nil {
		st.RefreshExpiresAt = claims.ExpiresAt
	}
	return st, nil
}
