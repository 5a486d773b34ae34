package tokenstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	store, err := NewKeyringStore("obi-auth-test", "machine")
	require.NoError(t, err)

	ok, err := store.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Read(ctx)
	assert.ErrorIs(t, err, ErrDecode)

	want := Record{Token: "foo", TTL: 42}
	require.NoError(t, store.Write(ctx, want))

	ok, err = store.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.Clear(ctx))
	ok, err = store.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// clearing twice is a no-op
	require.NoError(t, store.Clear(ctx))
}

func TestKeyringStoreMalformed(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("obi-auth-test", "machine", "not json"))

	store, err := NewKeyringStore("obi-auth-test", "machine")
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNewKeyringStoreValidation(t *testing.T) {
	_, err := NewKeyringStore("", "user")
	assert.Error(t, err)
	_, err = NewKeyringStore("service", "")
	assert.Error(t, err)
}
