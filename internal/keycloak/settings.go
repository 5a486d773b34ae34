package keycloak

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// Environment selects the deployment whose identity provider is used.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Default settings values.
const (
	DefaultRealm             = "SBO"
	DefaultClientID          = "obi-entitysdk-auth"
	DefaultIDPHint           = "github"
	DefaultStagingBaseURL    = "https://staging.openbraininstitute.org/auth"
	DefaultProductionBaseURL = "https://openbraininstitute.org/auth"
)

// ErrUnknownEnvironment is returned when an environment has no base URL.
var ErrUnknownEnvironment = errors.New("unknown deployment environment")

// Settings describes the identity provider: base URLs per environment, the
// realm, and the public OAuth client.
type Settings struct {
	Environment Environment `json:"env" validate:"required,oneof=staging production"`
	Realm       string      `json:"realm" validate:"required"`
	ClientID    string      `json:"client_id" validate:"required"`
	// IDPHint is sent as kc_idp_hint to skip the provider chooser.
	IDPHint  string                 `json:"idp_hint"`
	BaseURLs map[Environment]string `json:"base_urls" validate:"required,dive,url"`
}

// DefaultSettings returns settings for the public deployments.
func DefaultSettings() Settings {
	s := Settings{}
	s.ApplyDefaults()
	return s
}

// ApplyDefaults fills unset fields.
func (s *Settings) ApplyDefaults() {
	if s.Environment == "" {
		s.Environment = EnvironmentStaging
	}
	if s.Realm == "" {
		s.Realm = DefaultRealm
	}
	if s.ClientID == "" {
		s.ClientID = DefaultClientID
	}
	if s.IDPHint == "" {
		s.IDPHint = DefaultIDPHint
	}
	if s.BaseURLs == nil {
		s.BaseURLs = map[Environment]string{}
	}
	if _, ok := s.BaseURLs[EnvironmentStaging]; !ok {
		s.BaseURLs[EnvironmentStaging] = DefaultStagingBaseURL
	}
	if _, ok := s.BaseURLs[EnvironmentProduction]; !ok {
		s.BaseURLs[EnvironmentProduction] = DefaultProductionBaseURL
	}
}

// Resolve returns override if set, else the configured environment.
func (s Settings) Resolve(override Environment) Environment {
	if override != "" {
		return override
	}
	return s.Environment
}

// URL returns the realm URL for the override environment, or for the
// configured environment when override is empty.
func (s Settings) URL(override Environment) (string, error) {
	env := s.Resolve(override)
	base, ok := s.BaseURLs[env]
	if !ok || base == "" {
		return "", fmt.Errorf("%w %s", ErrUnknownEnvironment, env)
	}
	return strings.TrimRight(base, "/") + "/realms/" + s.Realm, nil
}

func (s Settings) endpoint(override Environment, path string) (string, error) {
	base, err := s.URL(override)
	if err != nil {
		return "", err
	}
	return base + "/protocol/openid-connect" + path, nil
}

// AuthEndpoint returns the authorization endpoint.
func (s Settings) AuthEndpoint(override Environment) (string, error) {
	return s.endpoint(override, "/auth")
}

// TokenEndpoint returns the token endpoint.
func (s Settings) TokenEndpoint(override Environment) (string, error) {
	return s.endpoint(override, "/token")
}

// DeviceAuthEndpoint returns the device-authorization endpoint.
func (s Settings) DeviceAuthEndpoint(override Environment) (string, error) {
	return s.endpoint(override, "/auth/device")
}

// Endpoint returns the oauth2 endpoints of the realm. The client is public,
// so credentials always travel in the form body.
func (s Settings) Endpoint(override Environment) (oauth2.Endpoint, error) {
	auth, err := s.AuthEndpoint(override)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	token, err := s.TokenEndpoint(override)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	device, err := s.DeviceAuthEndpoint(override)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return oauth2.Endpoint{
		AuthURL:       auth,
		TokenURL:      token,
		DeviceAuthURL: device,
		AuthStyle:     oauth2.AuthStyleInParams,
	}, nil
}

// OAuth2Config builds the client configuration for the override environment.
func (s Settings) OAuth2Config(override Environment, redirectURL string) (*oauth2.Config, error) {
	endpoint, err := s.Endpoint(override)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: "", // public client
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid"},
	}, nil
}
