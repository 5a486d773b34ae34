// Package keycloak derives identity-provider endpoints from the deployment
// environment and realm, and refreshes tokens against the realm's token endpoint.
//
// Endpoints are never cached: every call re-derives them from Settings and the
// per-call environment override, so an override always wins over the default.
//
// # Endpoints
//
//	base, _ := settings.URL(keycloak.EnvironmentProduction)
//	// https://openbraininstitute.org/auth/realms/SBO
//	endpoint, _ := settings.Endpoint("")
//	// oauth2.Endpoint for the default environment
//
// # Refresh
//
// Use NewTokenSource to exchange a refresh token for a fresh token pair:
//
//	ts := keycloak.NewTokenSource(refreshToken, cfg, keycloak.WithHTTPClient(client))
//	tok, err := ts.Token(ctx)
package keycloak
