// Package machine derives stable per-machine values: a salt computed from
// machine identity, an encryption key expanded from it, and the location of
// the token file. Nothing is persisted; the same machine always yields the
// same values.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/hkdf"

	"github.com/openbraininstitute/obi-auth/internal/fernet"
)

// AppName names the per-user configuration directory.
const AppName = "obi-auth"

// keyInfo is the HKDF application context.
const keyInfo = "machine-specific-fernet-key"

// Identity is the machine-identifying data the salt is computed from.
type Identity struct {
	Hostname string
	System   string
	Node     string
}

// CurrentIdentity reads the identity of the running machine.
func CurrentIdentity() (Identity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("reading hostname: %w", err)
	}
	return Identity{
		Hostname: hostname,
		System:   systemName(runtime.GOOS),
		Node:     hostname,
	}, nil
}

// systemName maps GOOS values to the kernel names reported by uname.
func systemName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	default:
		return goos
	}
}

// Salt returns SHA-256 over "hostname-system-node".
func (id Identity) Salt() [sha256.Size]byte {
	return sha256.Sum256([]byte(id.Hostname + "-" + id.System + "-" + id.Node))
}

// DeriveKey expands the salt into a Fernet key with HKDF-SHA256.
// No HKDF salt is used, so every installation on a machine shares the key.
func (id Identity) DeriveKey() (*fernet.Key, error) {
	salt := id.Salt()
	raw := make([]byte, fernet.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, salt[:], nil, []byte(keyInfo)), raw); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return fernet.NewKey(raw)
}

// FileName returns hex(salt) with a .json extension.
func (id Identity) FileName() string {
	salt := id.Salt()
	return hex.EncodeToString(salt[:]) + ".json"
}

// DefaultConfigDir returns the per-user configuration directory for AppName.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return configDir(home, runtime.GOOS), nil
}

func configDir(home, goos string) string {
	if goos == "windows" {
		return filepath.Join(home, "AppData", "Roaming", AppName)
	}
	return filepath.Join(home, ".config", AppName)
}

// ConfigPath returns the token file path inside dir, creating dir if needed.
// The directory mode is reset to 0700 on every call, including when it
// already existed with looser permissions.
func (id Identity) ConfigPath(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", fmt.Errorf("restricting config directory: %w", err)
	}
	return filepath.Join(dir, id.FileName()), nil
}
