// Package masking keeps secrets out of storage and logs: a versioned
// AES-256-GCM envelope for values at rest, and field redaction for
// event payloads and slog attributes.
package masking

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopePrefix = "enc:v1:"
	ivSize         = 12
	tagSize        = 16
)

// ErrNoKey is returned when an operation needs a key that was never
// configured.
var ErrNoKey = errors.New("no encryption key configured")

// Envelope encrypts and decrypts `enc:v1:` values. The wire layout
// inside the base64 is iv || tag || ciphertext.
type Envelope struct {
	key []byte
}

// NewEnvelope parses the 32-byte hex key. An empty key yields a
// disabled envelope: Decrypt passes plaintext through, Encrypt fails.
func NewEnvelope(hexKey string) (*Envelope, error) {
	if hexKey == "" {
		return &Envelope{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Envelope{key: key}, nil
}

// Enabled reports whether a key is configured.
func (e *Envelope) Enabled() bool {
	return len(e.key) == 32
}

// Encrypt seals a plaintext into an envelope string.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() {
		return "", ErrNoKey
	}
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal returns ciphertext || tag; the envelope stores iv || tag ||
	// ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - tagSize
	buf := make([]byte, 0, ivSize+len(sealed))
	buf = append(buf, iv...)
	buf = append(buf, sealed[tagStart:]...)
	buf = append(buf, sealed[:tagStart]...)
	return envelopePrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens an envelope value. Values without the envelope prefix
// pass through unchanged, so callers can accept either form.
func (e *Envelope) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		return value, nil
	}
	if !e.Enabled() {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("malformed envelope: %w", err)
	}
	if len(raw) < ivSize+tagSize {
		return "", errors.New("malformed envelope: too short")
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ciphertext := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt envelope: %w", err)
	}
	return string(plaintext), nil
}

func (e *Envelope) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
