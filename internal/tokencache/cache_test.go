package tokencache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/fernet"
	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/tokenstore"
)

// memStore is an in-memory tokenstore.Store that records Clear calls.
type memStore struct {
	record *tokenstore.Record
	clears int
	writes int
}

var _ tokenstore.Store = (*memStore)(nil)

func (m *memStore) Read(context.Context) (tokenstore.Record, error) {
	if m.record == nil {
		return tokenstore.Record{}, tokenstore.ErrDecode
	}
	return *m.record, nil
}

func (m *memStore) Write(_ context.Context, r tokenstore.Record) error {
	m.writes++
	m.record = &r
	return nil
}

func (m *memStore) Clear(context.Context) error {
	m.clears++
	m.record = nil
	return nil
}

func (m *memStore) Exists(context.Context) (bool, error) {
	return m.record != nil, nil
}

type refresherFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

func (f refresherFunc) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

func newTestKey(t *testing.T) *fernet.Key {
	t.Helper()
	raw := make([]byte, fernet.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	k, err := fernet.NewKey(raw)
	require.NoError(t, err)
	return k
}

func mint(t *testing.T, iat, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}

func now() time.Time {
	return time.Now().Truncate(time.Second)
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	// if no stored token get returns nil
	got, err := cache.Get(ctx, store, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, want := range []Bundle{
		{AccessToken: mint(t, n, n.Add(time.Hour))},
		{AccessToken: mint(t, n, n.Add(time.Hour)), RefreshToken: mint(t, n, n.Add(10*time.Hour))},
	} {
		require.NoError(t, cache.Set(ctx, want, store))

		got, err := cache.Get(ctx, store, nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	}
	assert.Zero(t, store.clears)
}

func TestCacheSetRecordsTokenLifetime(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	key := newTestKey(t)
	n := now()

	bundle := Bundle{AccessToken: mint(t, n, n.Add(time.Hour)), RefreshToken: mint(t, n.Add(-time.Minute), n.Add(8*time.Hour))}
	require.NoError(t, New(key).Set(ctx, bundle, store))
	assert.Equal(t, int64(8*3600+60), store.record.TTL)

	// the embedded timestamp is the refresh token's iat
	_, err := key.DecryptAt([]byte(store.record.Token), 30*time.Second, n.Add(-time.Minute+29*time.Second))
	require.NoError(t, err)
	_, err = key.DecryptAt([]byte(store.record.Token), 30*time.Second, n)
	assert.ErrorIs(t, err, fernet.ErrInvalidToken)

	accessOnly := Bundle{AccessToken: mint(t, n, n.Add(time.Hour))}
	require.NoError(t, New(key).Set(ctx, accessOnly, store))
	assert.Equal(t, int64(3600), store.record.TTL)
}

func TestCacheExpired(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	expired := Bundle{AccessToken: mint(t, n.Add(-2*time.Hour), n.Add(-time.Hour))}
	require.NoError(t, cache.Set(ctx, expired, store))

	got, err := cache.Get(ctx, store, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, store.clears)
}

func TestCacheExpiredBundle(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	expired := Bundle{
		AccessToken:  mint(t, n.Add(-2*time.Hour), n.Add(-time.Hour)),
		RefreshToken: mint(t, n.Add(-2*time.Hour), n.Add(-time.Hour)),
	}
	require.NoError(t, cache.Set(ctx, expired, store))

	refresher := refresherFunc(func(context.Context, string) (*oauth2.Token, error) {
		t.Fatal("refresh must not be attempted")
		return nil, nil
	})
	got, err := cache.Get(ctx, store, refresher)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, store.clears)
}

func TestCacheMalformed(t *testing.T) {
	ctx := context.Background()
	cache := New(newTestKey(t))

	for name, record := range map[string]tokenstore.Record{
		"garbage ciphertext": {Token: "foo", TTL: 100},
		"zero ttl":           {Token: "foo", TTL: 0},
	} {
		t.Run(name, func(t *testing.T) {
			store := &memStore{record: &record}
			got, err := cache.Get(ctx, store, nil)
			require.NoError(t, err)
			assert.Nil(t, got)
			assert.Equal(t, 1, store.clears)
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		store := &memStore{}
		n := now()
		require.NoError(t, New(newTestKey(t)).Set(ctx, Bundle{AccessToken: mint(t, n, n.Add(time.Hour))}, store))

		got, err := cache.Get(ctx, store, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, 1, store.clears)
	})
}

func TestCacheBareAccessToken(t *testing.T) {
	ctx := context.Background()
	key := newTestKey(t)
	n := now()
	token := mint(t, n, n.Add(time.Hour))

	ciphertext, err := key.EncryptAt([]byte(token), n)
	require.NoError(t, err)
	store := &memStore{record: &tokenstore.Record{Token: string(ciphertext), TTL: 3600}}

	got, err := New(key).Get(ctx, store, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Bundle{AccessToken: token}, *got)
}

func TestCacheRefreshesExpiredAccessToken(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	oldRefresh := mint(t, n.Add(-10*time.Minute), n.Add(50*time.Minute))
	require.NoError(t, cache.Set(ctx, Bundle{
		AccessToken:  mint(t, n.Add(-10*time.Minute), n.Add(-5*time.Minute)),
		RefreshToken: oldRefresh,
	}, store))

	newAccess := mint(t, n, n.Add(5*time.Minute))
	newRefresh := mint(t, n, n.Add(30*time.Minute))

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, oldRefresh, r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  newAccess,
			"refresh_token": newRefresh,
			"token_type":    "Bearer",
		})
	}))
	defer server.Close()

	settings := keycloak.DefaultSettings()
	settings.BaseURLs[keycloak.EnvironmentStaging] = server.URL
	refresher := keycloak.NewRefresher(settings, "", server.Client())

	got, err := cache.Get(ctx, store, refresher)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Bundle{AccessToken: newAccess, RefreshToken: newRefresh}, *got)
	assert.Equal(t, int32(1), calls.Load())

	// the new pair is persisted with the new refresh token's lifetime
	assert.Equal(t, int64(1800), store.record.TTL)
	got, err = cache.Get(ctx, store, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newAccess, got.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheRefreshFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	require.NoError(t, cache.Set(ctx, Bundle{
		AccessToken:  mint(t, n.Add(-10*time.Minute), n.Add(-5*time.Minute)),
		RefreshToken: mint(t, n.Add(-10*time.Minute), n.Add(50*time.Minute)),
	}, store))
	before := *store.record

	errNetwork := errors.New("connection refused")
	refresher := refresherFunc(func(context.Context, string) (*oauth2.Token, error) {
		return nil, errNetwork
	})

	got, err := cache.Get(ctx, store, refresher)
	assert.ErrorIs(t, err, errNetwork)
	assert.Nil(t, got)
	assert.Equal(t, before, *store.record)
	assert.Zero(t, store.clears)
	assert.Equal(t, 1, store.writes)
}

func TestCacheRefreshTokenExpired(t *testing.T) {
	ctx := context.Background()
	cache := New(newTestKey(t), WithClock(func() time.Time { return now().Add(2 * time.Hour) }))
	store := &memStore{}
	n := now()

	// encrypted window spans 3h; both tokens expire within it
	require.NoError(t, cache.Set(ctx, Bundle{
		AccessToken:  mint(t, n, n.Add(time.Hour)),
		RefreshToken: mint(t, n, n.Add(time.Hour+30*time.Minute)),
	}, store))
	store.record.TTL = 3 * 3600

	got, err := cache.Get(ctx, store, refresherFunc(func(context.Context, string) (*oauth2.Token, error) {
		t.Fatal("refresh must not be attempted")
		return nil, nil
	}))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, store.clears)
}

func TestCacheSetRejectsNonJWT(t *testing.T) {
	store := &memStore{}
	err := New(newTestKey(t)).Set(context.Background(), Bundle{AccessToken: "opaque"}, store)
	assert.Error(t, err)
	assert.Nil(t, store.record)
}

func TestCacheInspect(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := New(newTestKey(t))
	n := now()

	got, err := cache.Inspect(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, got)

	expired := Bundle{AccessToken: mint(t, n.Add(-2*time.Hour), n.Add(-time.Hour))}
	require.NoError(t, cache.Set(ctx, expired, store))

	got, err = cache.Inspect(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, expired, *got)
	assert.Zero(t, store.clears)
}
