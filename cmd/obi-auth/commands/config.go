package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/openbraininstitute/obi-auth/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., OBI_AUTH_KEYCLOAK__ENV → keycloak.env)
const envPrefix = "OBI_AUTH_"

// legacyEnvKeys maps the flat variable names of earlier releases onto config keys.
var legacyEnvKeys = map[string]string{
	"keycloak_env":         "keycloak.env",
	"keycloak_realm":       "keycloak.realm",
	"keycloak_client_id":   "keycloak.client_id",
	"local_server_timeout": "local_server.timeout",
	"config_path":          "storage.dir",
}

// defaults are loaded below every other source.
var defaults = map[string]any{
	"log_level": slog.LevelWarn.String(),
}

// loadConfig loads application configuration from various sources with precedence:
// defaults → config file → environment variables → CLI flags
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: transformEnv,
		EnvironFunc:   environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// transformEnv maps OBI_AUTH_STORAGE__TYPE to storage.type. Legacy flat names
// are accepted too; a bare number of seconds is allowed for the timeout.
func transformEnv(key, value string) (string, any) {
	stripped := strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if legacy, ok := legacyEnvKeys[stripped]; ok {
		if legacy == "local_server.timeout" {
			if _, err := strconv.Atoi(value); err == nil {
				value += "s"
			}
		}
		return legacy, value
	}
	return strings.ReplaceAll(stripped, "__", "."), value
}

// withDotenv prepends the entries of a .env file at path to environ, so real
// environment variables take precedence. A missing file is ignored.
func withDotenv(path string, environ func() []string) func() []string {
	return func() []string {
		values, err := godotenv.Read(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("ignoring unreadable dotenv file", "path", path, "error", err)
			}
			return environ()
		}

		merged := make([]string, 0, len(values))
		for k, v := range values {
			merged = append(merged, k+"="+v)
		}
		return append(merged, environ()...)
	}
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --storage--type → storage.type, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if !cmd.IsSet(name) {
			continue
		}
		// Per-call options, not configuration
		if _, ok := callFlags[name]; ok {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
