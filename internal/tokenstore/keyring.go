package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps the record in OS-native credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Read returns the record from the system keyring.
func (k *KeyringStore) Read(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(secret), &record); err != nil {
		return Record{}, fmt.Errorf("%w: keyring entry %s/%s: %w", ErrDecode, k.service, k.user, err)
	}
	if record.Token == "" {
		return Record{}, fmt.Errorf("%w: empty token in keyring for service %s, user %s", ErrDecode, k.service, k.user)
	}
	return record, nil
}

// Write persists the record to the system keyring, overwriting any existing value.
func (k *KeyringStore) Write(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}
	return keyring.Set(k.service, k.user, string(data))
}

// Clear removes the keyring entry if present.
func (k *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// Exists reports whether a keyring entry is present.
func (k *KeyringStore) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := keyring.Get(k.service, k.user)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, keyring.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
