// Package flow obtains tokens from the identity provider interactively.
//
// PKCEFlow runs the authorization-code grant with PKCE: it starts a callback
// server, opens the browser, waits for the redirect and exchanges the code.
// DeviceFlow runs the device-authorization grant for headless sessions: it
// shows a verification URL and polls the token endpoint until the user approves.
//
// Both flows resolve endpoints from keycloak.Settings on every call.
package flow
