// Package fernet implements Fernet tokens: AES-128-CBC encryption with an
// HMAC-SHA256 signature over a version byte and an embedded creation timestamp.
//
// Encryption and decryption take the clock explicitly, so callers can bind a
// token's timestamp to an external event (for example a JWT "iat" claim) and
// validate it later against a time-to-live.
//
//	key, _ := fernet.DecodeKey(encoded)
//	tok, _ := key.EncryptAt(msg, issuedAt)
//	msg, err := key.DecryptAt(tok, ttl, time.Now())
package fernet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	version = 0x80

	// KeySize is the length of a raw Fernet key: 16 bytes signing + 16 bytes encryption.
	KeySize = 32

	// MaxClockSkew bounds how far in the future a token timestamp may lie.
	MaxClockSkew = 60 * time.Second

	headerLen   = 1 + 8 + aes.BlockSize
	overheadLen = headerLen + sha256.Size
)

var encoding = base64.URLEncoding

// ErrInvalidToken is returned for any token that fails authentication,
// is malformed, or lies outside its validity window.
var ErrInvalidToken = errors.New("invalid fernet token")

// Key holds the signing and encryption halves of a Fernet key.
type Key [KeySize]byte

// NewKey builds a Key from 32 raw bytes.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("fernet key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return &k, nil
}

// DecodeKey parses a URL-safe base64 encoded key.
func DecodeKey(s string) (*Key, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding fernet key: %w", err)
	}
	return NewKey(raw)
}

// Encode returns the URL-safe base64 form of the key.
func (k *Key) Encode() string {
	return encoding.EncodeToString(k[:])
}

func (k *Key) signingKey() []byte    { return k[:16] }
func (k *Key) encryptionKey() []byte { return k[16:] }

// EncryptAt encrypts msg and records t as the token's creation time.
func (k *Key) EncryptAt(msg []byte, t time.Time) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return k.encrypt(msg, t, iv)
}

func (k *Key) encrypt(msg []byte, t time.Time, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.encryptionKey())
	if err != nil {
		return nil, err
	}

	padded := pad(msg)
	raw := make([]byte, headerLen+len(padded), headerLen+len(padded)+sha256.Size)
	raw[0] = version
	binary.BigEndian.PutUint64(raw[1:9], uint64(t.Unix()))
	copy(raw[9:headerLen], iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(raw[headerLen:], padded)

	mac := hmac.New(sha256.New, k.signingKey())
	mac.Write(raw)
	raw = mac.Sum(raw)

	out := make([]byte, encoding.EncodedLen(len(raw)))
	encoding.Encode(out, raw)
	return out, nil
}

// DecryptAt verifies tok and returns its plaintext. The token is rejected when
// more than ttl has elapsed between its creation time and now, or when its
// creation time is more than MaxClockSkew ahead of now. A ttl of zero or less
// disables the age check.
func (k *Key) DecryptAt(tok []byte, ttl time.Duration, now time.Time) ([]byte, error) {
	raw := make([]byte, encoding.DecodedLen(len(tok)))
	n, err := encoding.Decode(raw, tok)
	if err != nil {
		return nil, ErrInvalidToken
	}
	raw = raw[:n]
	if len(raw) < overheadLen || raw[0] != version {
		return nil, ErrInvalidToken
	}

	created := time.Unix(int64(binary.BigEndian.Uint64(raw[1:9])), 0)
	if ttl > 0 && created.Add(ttl).Before(now) {
		return nil, ErrInvalidToken
	}
	if now.Add(MaxClockSkew).Before(created) {
		return nil, ErrInvalidToken
	}

	body, sum := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	mac := hmac.New(sha256.New, k.signingKey())
	mac.Write(body)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return nil, ErrInvalidToken
	}

	ciphertext := body[headerLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}
	block, err := aes.NewCipher(k.encryptionKey())
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, body[9:headerLen]).CryptBlocks(plain, ciphertext)

	msg, ok := unpad(plain)
	if !ok {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// pad applies PKCS#7 padding.
func pad(msg []byte) []byte {
	n := aes.BlockSize - len(msg)%aes.BlockSize
	return append(bytes.Clone(msg), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
