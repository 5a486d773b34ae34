// Package tokencache decides whether the stored token is still usable,
// refreshes it when only the access token has expired, and writes new
// bundles encrypted with a timestamp bound to the token's own issue time.
//
// Decrypted bundles are never kept in memory between calls.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/fernet"
	"github.com/openbraininstitute/obi-auth/internal/tokenstore"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache encrypts and validates token bundles held in a tokenstore.Store.
type Cache struct {
	key *fernet.Key
	now func() time.Time
}

// New creates a Cache using key for encryption.
func New(key *fernet.Key, opts ...Option) *Cache {
	c := &Cache{key: key, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached bundle, or nil on a miss.
//
// An entry older than its ttl, or one that fails authentication or decoding,
// is cleared and reported as a miss. When the access token has expired but the
// refresh token has not, the pair is refreshed through refresher and written
// back. A failing refresh is returned as an error and leaves the entry intact.
// An expired refresh token, or a nil refresher, is a miss.
func (c *Cache) Get(ctx context.Context, store tokenstore.Store, refresher Refresher) (*Bundle, error) {
	empty, err := tokenstore.Empty(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("checking token store: %w", err)
	}
	if empty {
		return nil, nil
	}

	bundle, err := c.decrypt(ctx, store)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrDecode) && !errors.Is(err, fernet.ErrInvalidToken) {
			return nil, err
		}
		slog.DebugContext(ctx, "discarding cached token", "reason", err)
		if err := store.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clearing token store: %w", err)
		}
		return nil, nil
	}

	if bundle.RefreshToken == "" {
		return bundle, nil
	}

	now := c.now()
	if access, err := bundle.AccessClaims(); err == nil && !access.Expired(now) {
		return bundle, nil
	}

	refresh, err := bundle.RefreshClaims()
	if err != nil || refresh.Expired(now) || refresher == nil {
		slog.DebugContext(ctx, "cached token expired and cannot be refreshed")
		return nil, nil
	}

	tok, err := refresher.Refresh(ctx, bundle.RefreshToken)
	if err != nil {
		return nil, err
	}

	fresh := BundleFromToken(tok)
	if err := c.Set(ctx, fresh, store); err != nil {
		slog.WarnContext(ctx, "failed to persist refreshed token", "error", err)
	}
	slog.DebugContext(ctx, "refreshed cached token")
	return &fresh, nil
}

func (c *Cache) decrypt(ctx context.Context, store tokenstore.Store) (*Bundle, error) {
	record, err := store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if record.TTL <= 0 {
		return nil, fmt.Errorf("%w: non-positive ttl %d", tokenstore.ErrDecode, record.TTL)
	}

	plain, err := c.key.DecryptAt([]byte(record.Token), time.Duration(record.TTL)*time.Second, c.now())
	if err != nil {
		return nil, err
	}

	bundle := decodeBundle(plain)
	return &bundle, nil
}

// Set encrypts bundle and persists it. The embedded timestamp is the
// bundle's issue time, not the current time, and the ttl is the token's
// lifetime, so the entry expires together with the token.
func (c *Cache) Set(ctx context.Context, bundle Bundle, store tokenstore.Store) error {
	claims, err := bundle.storageClaims()
	if err != nil {
		return err
	}
	ttl := int64(claims.Lifetime() / time.Second)
	if ttl <= 0 {
		return fmt.Errorf("token lifetime must be positive, got %ds", ttl)
	}

	plain, err := encodeBundle(bundle)
	if err != nil {
		return fmt.Errorf("encoding token bundle: %w", err)
	}

	tok, err := c.key.EncryptAt(plain, claims.IssuedAt)
	if err != nil {
		return fmt.Errorf("encrypting token bundle: %w", err)
	}

	return store.Write(ctx, tokenstore.Record{Token: string(tok), TTL: ttl})
}

// Inspect decrypts the stored entry without clearing, refreshing, or
// enforcing the ttl. It returns nil when the store is empty or unreadable.
func (c *Cache) Inspect(ctx context.Context, store tokenstore.Store) (*Bundle, error) {
	empty, err := tokenstore.Empty(ctx, store)
	if err != nil || empty {
		return nil, err
	}
	record, err := store.Read(ctx)
	if err != nil {
		return nil, nil
	}
	plain, err := c.key.DecryptAt([]byte(record.Token), 0, c.now())
	if err != nil {
		return nil, nil
	}
	bundle := decodeBundle(plain)
	return &bundle, nil
}
