package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a blob cannot be opened with the given key. For a
// viewer that does not hold the key this is the expected outcome.
var ErrOpen = errors.New("keys: cannot open sealed blob")

var blobEncoding = base64.RawURLEncoding.Strict()

// Sealer seals and opens slices with AES-256-GCM. The session id is bound as
// additional data so a blob cannot be replayed into another session.
type Sealer struct {
	aead cipher.AEAD
	aad  []byte
}

// NewSealer builds a sealer from a derived 32 byte key.
func NewSealer(key []byte, sessionID string) (*Sealer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, aad: []byte(sessionID)}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("keys: want %d byte key, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Seal encrypts plain and returns base64url(nonce || ciphertext).
func (s *Sealer) Seal(plain []byte) (string, error) {
	if s == nil || s.aead == nil {
		return "", fmt.Errorf("sealer is not configured")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	payload := s.aead.Seal(nonce, nonce, plain, s.aad)
	return blobEncoding.EncodeToString(payload), nil
}

// SealJSON marshals v and seals it.
func (s *Sealer) SealJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal sealed payload: %w", err)
	}
	return s.Seal(b)
}

// Open decrypts a blob produced by Seal under the same key and session.
func (s *Sealer) Open(blob string) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, ErrOpen
	}
	payload, err := blobEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrOpen
	}
	n := s.aead.NonceSize()
	if len(payload) < n {
		return nil, ErrOpen
	}
	plain, err := s.aead.Open(nil, payload[:n], payload[n:], s.aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
