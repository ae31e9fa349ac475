// Package secrets encrypts provider credentials at rest.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed means a stored credential could not be opened with the
// configured key (wrong key, tampered value or unknown format).
var ErrDecryptionFailed = errors.New("credential decryption failed")

// DecryptionFailedSentinel replaces an unreadable credential when a caller
// asks for a lenient read, so one corrupt row does not fail a whole listing.
const DecryptionFailedSentinel = "[DECRYPTION_FAILED]"

// Prefix marks values produced by Box.Encrypt.
const Prefix = "enc:v1:"

const version byte = 0x01

var hkdfInfo = []byte("inframate.email.credentials.v1")

// Box seals and opens credentials with XChaCha20-Poly1305. The AEAD key is
// derived from the configured master secret with HKDF-SHA256.
type Box struct {
	key []byte
}

// New derives the credential key from masterKey.
func New(masterKey string) (*Box, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, errors.New("secrets: empty master key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return &Box{key: key}, nil
}

// Encrypt returns the stored form of plaintext. Empty input stays empty. A
// nil Box has no key and stores plaintext as is.
//
//	enc:v1:base64([version][nonce 24][ciphertext+tag])
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || b == nil {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = version
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}
	out = aead.Seal(out, out[1:], []byte(plaintext), []byte{version})
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// treated as legacy plaintext and returned unchanged.
func (b *Box) Decrypt(stored string) (string, error) {
	if stored == "" || !strings.HasPrefix(stored, Prefix) {
		return stored, nil
	}
	if b == nil {
		return "", fmt.Errorf("%w: no encryption key configured", ErrDecryptionFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: value too short", ErrDecryptionFailed)
	}
	if raw[0] != version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrDecryptionFailed, raw[0])
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// DecryptOrSentinel never fails: unreadable values become DecryptionFailedSentinel.
func (b *Box) DecryptOrSentinel(stored string) string {
	plain, err := b.Decrypt(stored)
	if err != nil {
		return DecryptionFailedSentinel
	}
	return plain
}

// IsEncrypted reports whether value is already in stored form.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
