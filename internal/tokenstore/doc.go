// Package tokenstore persists the encrypted token record.
//
// Two backends implement Store:
//   - File: a single JSON document with atomic writes and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//
// Neither backend locks across processes; concurrent writers race and the last write wins.
package tokenstore
