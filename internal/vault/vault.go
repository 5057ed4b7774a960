// Package vault provides authenticated symmetric encryption for stored
// credentials (passwords, SSH keys, API tokens, sudo passwords).
// ChaCha20-Poly1305 with a random nonce; ciphertexts are base64 on the wire.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Vault encrypts and decrypts credential strings with a site-wide key.
type Vault struct {
	key []byte
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Vault{key: k}, nil
}

// NewFromFile loads the key from a file containing either 32 raw bytes or
// a base64-encoded 32-byte key.
func NewFromFile(path string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vault key: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if len(raw) == chacha20poly1305.KeySize {
		return New([]byte(raw))
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault key is neither raw nor base64: %w", err)
	}
	return New(decoded)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. An empty input decrypts to
// the empty string so callers can pass optional credential slots through.
func (v *Vault) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
