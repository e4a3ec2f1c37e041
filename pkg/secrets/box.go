// Package secrets encrypts credential values at rest.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	envelopePrefix = "v1:"
	keySize        = 32
	nonceSize      = 24
)

var (
	ErrInvalidKey      = errors.New("encryption key must be 32 bytes")
	ErrInvalidEnvelope = errors.New("invalid encrypted value")
	ErrDecrypt         = errors.New("failed to decrypt value")
)

// Box encrypts and decrypts strings with a single symmetric key.
type Box struct {
	key [keySize]byte
}

// NewBox creates a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	box := &Box{}
	copy(box.key[:], key)

	return box, nil
}

// NewBoxFromBase64 creates a Box from a base64 (standard encoding) key, the form
// used in configuration.
func NewBoxFromBase64(encodedKey string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return NewBox(key)
}

// GenerateKey returns a fresh base64 encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)

	_, err := io.ReadFull(rand.Reader, key)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext into an envelope. Every call uses a fresh nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte

	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)

	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (b *Box) Decrypt(envelope string) (string, error) {
	encoded, ok := strings.CutPrefix(envelope, envelopePrefix)
	if !ok {
		return "", ErrInvalidEnvelope
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrInvalidEnvelope
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

// TryDecrypt decrypts values that look like envelopes and returns anything else unchanged.
func (b *Box) TryDecrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	return b.Decrypt(value)
}

// IsEncrypted reports whether value carries the envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

// EncryptMap encrypts every value of a string map.
func (b *Box) EncryptMap(values map[string]string) (map[string]string, error) {
	encrypted := make(map[string]string, len(values))

	for key, value := range values {
		sealed, err := b.Encrypt(value)
		if err != nil {
			return nil, err
		}

		encrypted[key] = sealed
	}

	return encrypted, nil
}

// DecryptMap is the inverse of EncryptMap.
func (b *Box) DecryptMap(values map[string]string) (map[string]string, error) {
	decrypted := make(map[string]string, len(values))

	for key, value := range values {
		opened, err := b.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}

		decrypted[key] = opened
	}

	return decrypted, nil
}
