package app

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/tokenstore"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, LogExporterNone, cfg.LogExporter)
	assert.Equal(t, 60*time.Second, cfg.LocalServer.Timeout)
	assert.Equal(t, TokenStorageTypeFile, cfg.Storage.Type)
	assert.NotEmpty(t, cfg.Storage.Dir)
	assert.Equal(t, keycloak.EnvironmentStaging, cfg.Keycloak.Environment)
	assert.Equal(t, keycloak.DefaultRealm, cfg.Keycloak.Realm)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "json logs", mutate: func(c *Config) { c.LogFormat = LogFormatJSON }},
		{name: "otlp exporter", mutate: func(c *Config) { c.LogExporter = LogExporterOTLPGRPC }},
		{name: "keyring", mutate: func(c *Config) { c.Storage.Type = TokenStorageTypeKeyring }},
		{name: "secret key", mutate: func(c *Config) { c.SecretKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" }},
		{name: "unknown format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "unknown exporter", mutate: func(c *Config) { c.LogExporter = "zipkin" }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "env" }, wantErr: true},
		{name: "unknown environment", mutate: func(c *Config) { c.Keycloak.Environment = "dev" }, wantErr: true},
		{name: "bad base url", mutate: func(c *Config) { c.Keycloak.BaseURLs[keycloak.EnvironmentStaging] = "not a url" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Device.MaxRetries = -1 }, wantErr: true},
		{name: "short secret key", mutate: func(c *Config) { c.SecretKey = "c2hvcnQ=" }, wantErr: true},
		{name: "missing dir", mutate: func(c *Config) { c.Storage.Dir = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewTokenStoreFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "obi-auth")
	cfg := &Config{Storage: StorageConfig{Dir: dir}}
	require.NoError(t, cfg.ApplyDefaults())

	store, err := cfg.NewTokenStore(testIdentity)
	require.NoError(t, err)

	fs, ok := store.(*tokenstore.FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, testIdentity.FileName()), fs.Path())
	assert.DirExists(t, dir)
}

func TestNewTokenStoreKeyring(t *testing.T) {
	keyring.MockInit()

	cfg := &Config{Storage: StorageConfig{Type: TokenStorageTypeKeyring}}
	require.NoError(t, cfg.ApplyDefaults())

	store, err := cfg.NewTokenStore(testIdentity)
	require.NoError(t, err)
	assert.IsType(t, &tokenstore.KeyringStore{}, store)
}

func TestKey(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	derived, err := cfg.Key(testIdentity)
	require.NoError(t, err)
	want, err := testIdentity.DeriveKey()
	require.NoError(t, err)
	assert.Equal(t, want.Encode(), derived.Encode())

	cfg.SecretKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	override, err := cfg.Key(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, cfg.SecretKey, override.Encode())
	assert.Equal(t, "3031323334353637383961626364656630313233343536373839616263646566", hex.EncodeToString(override[:]))
}
