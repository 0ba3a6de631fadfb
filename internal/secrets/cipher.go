// Package secrets provides versioned symmetric encryption for stored
// credentials: OAuth tokens and webhook client-state secrets.
//
// Ciphertexts carry a "v<N>:" version prefix so secrets sealed under a
// previous key remain readable after rotation.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lumenhq/calsync/internal/metrics"
)

// Cipher seals and opens secrets with XChaCha20-Poly1305 under a versioned key.
type Cipher struct {
	primary        *keyedAEAD
	fallback       *keyedAEAD
	primaryVersion int
}

type keyedAEAD struct {
	version int
	aead    interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New creates a Cipher from a base64-encoded 32-byte primary key. A fallback
// key may be empty; when set it decrypts ciphertexts from version-1.
func New(primaryKey, fallbackKey string, version int) (*Cipher, error) {
	if version < 1 {
		return nil, fmt.Errorf("key version must be >= 1, got %d", version)
	}

	primary, err := newKeyedAEAD(primaryKey, version)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	c := &Cipher{primary: primary, primaryVersion: version}

	if fallbackKey != "" {
		fb, err := newKeyedAEAD(fallbackKey, version-1)
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		c.fallback = fb
	}

	return c, nil
}

func newKeyedAEAD(encoded string, version int) (*keyedAEAD, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &keyedAEAD{version: version, aead: aead}, nil
}

// Encrypt seals plaintext under the primary key and returns a versioned,
// base64-encoded ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		metrics.SecretOperationsTotal.WithLabelValues("encrypt", "error").Inc()
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.primary.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	metrics.SecretOperationsTotal.WithLabelValues("encrypt", "ok").Inc()
	return fmt.Sprintf("v%d:%s", c.primaryVersion, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a versioned ciphertext, trying the key matching the embedded
// version.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	version, raw, err := splitVersioned(ciphertext)
	if err != nil {
		metrics.SecretOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", err
	}

	var k *keyedAEAD
	switch {
	case version == c.primary.version:
		k = c.primary
	case c.fallback != nil && version == c.fallback.version:
		k = c.fallback
	default:
		metrics.SecretOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", fmt.Errorf("no key available for ciphertext version %d", version)
	}

	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		metrics.SecretOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		metrics.SecretOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := k.aead.Open(nil, nonce, body, nil)
	if err != nil {
		metrics.SecretOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", fmt.Errorf("open ciphertext: %w", err)
	}

	metrics.SecretOperationsTotal.WithLabelValues("decrypt", "ok").Inc()
	return string(plaintext), nil
}

func splitVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("ciphertext missing version prefix")
	}
	idx := strings.IndexByte(s, ':')
	if idx < 2 {
		return 0, "", fmt.Errorf("ciphertext missing version prefix")
	}
	version, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid ciphertext version: %w", err)
	}
	return version, s[idx+1:], nil
}

// GenerateKey returns a new random base64-encoded key suitable for New.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
