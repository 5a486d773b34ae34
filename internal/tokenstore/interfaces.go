package tokenstore

import (
	"context"
	"errors"
)

// ErrDecode is returned by Read when no record is stored or the stored
// record cannot be decoded.
var ErrDecode = errors.New("decoding token record")

// Record is the persisted form of a cached token: a Fernet token and the
// number of seconds it stays valid after its embedded creation time.
type Record struct {
	Token string `json:"token"`
	TTL   int64  `json:"ttl"`
}

// Store reads and writes the single token record of this machine.
type Store interface {
	// Read returns the stored record. Returns an error wrapping ErrDecode if
	// the record is missing or malformed.
	Read(ctx context.Context) (Record, error)

	// Write persists the record, replacing any previous one.
	Write(ctx context.Context, record Record) error

	// Clear removes the stored record. Clearing an empty store is not an error.
	Clear(ctx context.Context) error

	// Exists reports whether a record is stored.
	Exists(ctx context.Context) (bool, error)
}

// Empty reports whether the store holds no record. It is the complement of Exists.
func Empty(ctx context.Context, s Store) (bool, error) {
	ok, err := s.Exists(ctx)
	return !ok, err
}
