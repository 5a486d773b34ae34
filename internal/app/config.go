package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openbraininstitute/obi-auth/internal/fernet"
	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/machine"
	"github.com/openbraininstitute/obi-auth/internal/observability"
	"github.com/openbraininstitute/obi-auth/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = observability.FormatText
	LogFormatJSON LogFormat = observability.FormatJSON
)

// LogExporter selects where log records are exported.
type LogExporter string

const (
	LogExporterNone     LogExporter = observability.ExporterNone
	LogExporterStdout   LogExporter = observability.ExporterStdout
	LogExporterOTLPHTTP LogExporter = observability.ExporterOTLPHTTP
	LogExporterOTLPGRPC LogExporter = observability.ExporterOTLPGRPC
)

// TokenStorageType represents the different storage types supported for the cached token.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat          = LogFormatText
	DefaultConfigLogExporter        = LogExporterNone
	DefaultConfigLocalServerTimeout = 60 * time.Second
	DefaultConfigStorage            = TokenStorageTypeFile
)

// LocalServerConfig holds callback server configuration.
type LocalServerConfig struct {
	// Timeout for the browser redirect to reach the callback server.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// StorageConfig describes where the encrypted token is kept.
type StorageConfig struct {
	Type TokenStorageType `json:"type" validate:"required,oneof=file keyring"`
	// Dir holds the token file for file storage.
	Dir string `json:"dir,omitempty"`
}

// DeviceConfig holds device-flow configuration.
type DeviceConfig struct {
	// MaxRetries caps polling attempts. Zero derives it from the provider response.
	MaxRetries int `json:"max_retries" validate:"gte=0"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json"`
	LogExporter LogExporter       `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Keycloak    keycloak.Settings `json:"keycloak"`
	LocalServer LocalServerConfig `json:"local_server"`
	Storage     StorageConfig     `json:"storage"`
	Device      DeviceConfig      `json:"device"`
	// SecretKey overrides the machine-derived encryption key (url-safe base64, 32 bytes).
	SecretKey string `json:"secret_key,omitempty"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	c.Keycloak.ApplyDefaults()
	if c.LocalServer.Timeout == 0 {
		c.LocalServer.Timeout = DefaultConfigLocalServerTimeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorage
	}

	if c.Storage.Type == TokenStorageTypeFile && c.Storage.Dir == "" {
		dir, err := machine.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("storage.dir required (auto-detect failed: %w)", err)
		}
		c.Storage.Dir = dir
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Storage.Type == TokenStorageTypeFile && c.Storage.Dir == "" {
		return errors.New("storage.dir required for file storage")
	}

	if c.SecretKey != "" {
		if _, err := fernet.DecodeKey(c.SecretKey); err != nil {
			return fmt.Errorf("invalid secret_key: %w", err)
		}
	}

	return nil
}

// NewTokenStore creates the Store holding the token cached on this machine.
func (c *Config) NewTokenStore(id machine.Identity) (tokenstore.Store, error) {
	switch c.Storage.Type {
	case TokenStorageTypeFile:
		path, err := id.ConfigPath(c.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return tokenstore.NewFileStore(path)
	case TokenStorageTypeKeyring:
		salt := id.Salt()
		return tokenstore.NewKeyringStore(machine.AppName, hex.EncodeToString(salt[:]))
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
}

// Key returns the encryption key: SecretKey when set, else derived from id.
func (c *Config) Key(id machine.Identity) (*fernet.Key, error) {
	if c.SecretKey != "" {
		return fernet.DecodeKey(c.SecretKey)
	}
	return id.DeriveKey()
}
