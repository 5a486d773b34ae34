package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/openbraininstitute/obi-auth/internal/keycloak"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultPollInterval applies when the provider does not send an interval.
	DefaultPollInterval = 5 * time.Second

	// SlowDownIncrement is added to the polling interval each time the
	// provider answers slow_down (RFC 8628, section 3.5).
	SlowDownIncrement = 5 * time.Second
)

// ErrMaxRetries is returned when the device-flow polling budget is exhausted.
var ErrMaxRetries = errors.New("polling using device code reached max retries")

// errAuthorizationPending means the user has not approved yet; keep polling.
var errAuthorizationPending = errors.New("authorization pending")

// errSlowDown is like errAuthorizationPending but asks for a longer interval.
var errSlowDown = errors.New("slow down")

// DeviceInfo is the device-authorization response for one login attempt.
type DeviceInfo struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	MaxRetries              int    `json:"max_retries,omitempty"`
}

// URL returns the verification URL, preferring the one with the user code embedded.
func (d *DeviceInfo) URL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// PollInterval returns the wait between token requests.
func (d *DeviceInfo) PollInterval() time.Duration {
	if d.Interval <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(d.Interval) * time.Second
}

// Retries returns MaxRetries when set, else ceil(expires_in / interval), and
// never less than one attempt.
func (d *DeviceInfo) Retries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	interval := int(d.PollInterval() / time.Second)
	n := (d.ExpiresIn + interval - 1) / interval
	return max(n, 1)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// StatusError reports a non-2xx response from the identity provider.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed: %s %s (status: %d, error: %s)", e.Method, e.URL, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.Method, e.URL, e.StatusCode)
}

// handleError turns failing responses (>399 status code) into a StatusError.
// Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		statusErr := &StatusError{
			Method:     res.Request.Method,
			URL:        res.Request.URL,
			StatusCode: res.StatusCode(),
		}
		if body, ok := res.Error().(*errorResponse); ok && body != nil {
			statusErr.Code = body.Error
		}
		return res, statusErr
	}

	return res, nil
}

// DeviceOption configures a DeviceFlow.
type DeviceOption func(*DeviceFlow)

// WithDeviceHTTPClient sets the client used for device-flow requests.
func WithDeviceHTTPClient(client *http.Client) DeviceOption {
	return func(f *DeviceFlow) {
		f.httpClient = client
	}
}

// WithPrompter sets how the verification URL is presented.
func WithPrompter(p Prompter) DeviceOption {
	return func(f *DeviceFlow) {
		f.prompter = p
	}
}

// WithMaxRetries caps polling attempts, taking precedence over the value
// derived from the provider's response.
func WithMaxRetries(n int) DeviceOption {
	return func(f *DeviceFlow) {
		f.maxRetries = n
	}
}

// WithPollInterval overrides the provider's polling interval.
func WithPollInterval(d time.Duration) DeviceOption {
	return func(f *DeviceFlow) {
		f.interval = d
	}
}

// DeviceFlow runs the device-authorization grant.
type DeviceFlow struct {
	settings   keycloak.Settings
	httpClient *http.Client
	client     *resty.Client
	prompter   Prompter
	maxRetries int
	interval   time.Duration
	slowDown   time.Duration
}

// NewDeviceFlow creates a DeviceFlow for the given identity provider.
func NewDeviceFlow(settings keycloak.Settings, opts ...DeviceOption) *DeviceFlow {
	f := &DeviceFlow{settings: settings, slowDown: SlowDownIncrement}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = keycloak.NewHTTPClient(nil)
	}
	if f.prompter == nil {
		f.prompter = DetectPrompter()
	}
	f.client = resty.NewWithClient(f.httpClient).
		SetDebug(false).
		SetHeader("Accept", "application/json")
	return f
}

// Authenticate requests a device code, shows it to the user and polls until
// the user approves, the retry budget runs out, or ctx is done.
func (f *DeviceFlow) Authenticate(ctx context.Context, env keycloak.Environment) (*oauth2.Token, error) {
	info, err := f.RequestDeviceCode(ctx, env)
	if err != nil {
		return nil, err
	}

	f.prompter.Prompt(info)
	tok, err := f.Poll(ctx, env, info)
	f.prompter.Finish(err)
	return tok, err
}

// RequestDeviceCode calls the device-authorization endpoint.
func (f *DeviceFlow) RequestDeviceCode(ctx context.Context, env keycloak.Environment) (*DeviceInfo, error) {
	endpoint, err := f.settings.DeviceAuthEndpoint(env)
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{}
	_, err = handleError(f.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id": f.settings.ClientID,
		}).
		SetResult(info).
		SetError(&errorResponse{}).
		ExpectContentType("application/json").
		Post(endpoint))
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}
	if info.DeviceCode == "" {
		return nil, errors.New("device authorization response has no device_code")
	}
	if f.maxRetries > 0 {
		info.MaxRetries = f.maxRetries
	}
	return info, nil
}

// Poll requests the token until it is issued. Pending responses and failed
// attempts both count against info.Retries(); polling never continues past
// expires_in. Each slow_down response lengthens the interval by
// SlowDownIncrement. Exhausting the budget returns an error wrapping ErrMaxRetries.
func (f *DeviceFlow) Poll(ctx context.Context, env keycloak.Environment, info *DeviceInfo) (*oauth2.Token, error) {
	endpoint, err := f.settings.TokenEndpoint(env)
	if err != nil {
		return nil, err
	}

	interval := info.PollInterval()
	if f.interval > 0 {
		interval = f.interval
	}
	retries := info.Retries()

	wait := backoff.NewConstantBackOff(interval)
	opts := []backoff.RetryOption{
		backoff.WithBackOff(wait),
		backoff.WithMaxTries(uint(retries)),
	}
	if info.ExpiresIn > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(time.Duration(info.ExpiresIn)*time.Second))
	}

	attempts := 0
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempts++
		tok, err := f.pollOnce(ctx, endpoint, info.DeviceCode)
		switch {
		case err == nil, errors.Is(err, errAuthorizationPending):
		case errors.Is(err, errSlowDown):
			wait.Interval += f.slowDown
			slog.DebugContext(ctx, "device token poll asked to slow down", "attempt", attempts, "interval", wait.Interval)
		default:
			slog.DebugContext(ctx, "device token poll failed", "attempt", attempts, "error", err)
		}
		return tok, err
	}, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w (%d attempts): %w", ErrMaxRetries, attempts, err)
	}
	return tok, nil
}

// pollOnce makes one token request. It returns errAuthorizationPending while
// the user has not approved yet and errSlowDown when polling too fast.
func (f *DeviceFlow) pollOnce(ctx context.Context, endpoint, deviceCode string) (*oauth2.Token, error) {
	result := &tokenResponse{}
	res, err := handleError(f.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":  deviceCodeGrantType,
			"client_id":   f.settings.ClientID,
			"device_code": deviceCode,
		}).
		SetResult(result).
		SetError(&errorResponse{}).
		ExpectContentType("application/json").
		Post(endpoint))
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && res.StatusCode() == http.StatusBadRequest {
			switch statusErr.Code {
			case "authorization_pending":
				return nil, errAuthorizationPending
			case "slow_down":
				return nil, errSlowDown
			}
		}
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
	}
	if result.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return tok, nil
}
