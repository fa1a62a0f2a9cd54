// Package security seals per-user portal credentials under the application
// key. Each user gets a derived AES-GCM key and the user id is bound as
// associated data, so a ciphertext only opens for the user it was sealed for.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const envelopePrefix = "kintai.credential.v1:"

const envelopeAlgorithm = "aes-256-gcm"

type Option func(*AppKeySecretProvider)

type AppKeySecretProvider struct {
	key      []byte
	keyID    string
	previous map[string][]byte
}

type envelope struct {
	KeyID      string `json:"kid"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.keyID = trimmed
		}
	}
}

// WithPreviousKey keeps a retired key able to open old envelopes. New
// envelopes are always sealed with the current key.
func WithPreviousKey(id string, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		id = strings.TrimSpace(id)
		material := bytes.TrimSpace(keyMaterial)
		if id == "" || len(material) == 0 {
			return
		}
		provider.previous[id] = normalizeKey(material)
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		key:      normalizeKey(key),
		keyID:    "app-key",
		previous: map[string][]byte{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	delete(provider.previous, provider.keyID)
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

// Seal encrypts plaintext for subject, usually a Slack user id.
func (p *AppKeySecretProvider) Seal(_ context.Context, subject string, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("security: subject is required")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := newGCM(deriveKey(p.key, subject))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(subject))
	data, err := json.Marshal(envelope{
		KeyID:      p.keyID,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

// Open decrypts an envelope sealed for subject with the current or a
// previous key.
func (p *AppKeySecretProvider) Open(_ context.Context, subject string, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("security: subject is required")
	}
	if !bytes.HasPrefix(ciphertext, []byte(envelopePrefix)) {
		return nil, fmt.Errorf("security: unsupported envelope")
	}

	var parsed envelope
	if err := json.Unmarshal(bytes.TrimPrefix(ciphertext, []byte(envelopePrefix)), &parsed); err != nil {
		return nil, fmt.Errorf("security: decode envelope: %w", err)
	}
	if parsed.Algorithm != "" && parsed.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported algorithm %q", parsed.Algorithm)
	}
	key, err := p.keyFor(parsed.KeyID)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(parsed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("security: decode nonce: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(parsed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("security: decode ciphertext payload: %w", err)
	}
	gcm, err := newGCM(deriveKey(key, subject))
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, payload, []byte(subject))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AppKeySecretProvider) keyFor(keyID string) ([]byte, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || keyID == p.keyID {
		return p.key, nil
	}
	if key, ok := p.previous[keyID]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("security: unknown key id %q", keyID)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(key []byte, subject string) []byte {
	h := sha256.New()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subject))
	return h.Sum(nil)
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}
