package keys

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// GenerateX25519 returns a new encryption keypair.
func GenerateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("read x25519 key: %w", err)
	}
	pub, err = X25519Public(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// X25519Public returns the public key of an X25519 private key.
func X25519Public(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return pub, nil
}

// SealTo encrypts plain for the holder of recipientPub. A fresh ephemeral key
// is generated per blob; the blob is base64url(ephPub || nonce || ciphertext).
func SealTo(recipientPub []byte, sessionID string, plain []byte) (string, error) {
	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return "", err
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return "", fmt.Errorf("x25519: %w", err)
	}
	key, err := DeriveRevealKey(shared, sessionID)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, len(ephPub)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, revealAAD(sessionID, ephPub))
	return blobEncoding.EncodeToString(out), nil
}

// OpenFrom decrypts a SealTo blob with the recipient's private key.
func OpenFrom(recipientPriv []byte, sessionID, blob string) ([]byte, error) {
	raw, err := blobEncoding.DecodeString(blob)
	if err != nil || len(raw) < curve25519.PointSize {
		return nil, ErrOpen
	}
	ephPub := raw[:curve25519.PointSize]
	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, ErrOpen
	}
	key, err := DeriveRevealKey(shared, sessionID)
	if err != nil {
		return nil, ErrOpen
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrOpen
	}
	rest := raw[curve25519.PointSize:]
	n := aead.NonceSize()
	if len(rest) < n {
		return nil, ErrOpen
	}
	plain, err := aead.Open(nil, rest[:n], rest[n:], revealAAD(sessionID, ephPub))
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

func revealAAD(sessionID string, ephPub []byte) []byte {
	aad := make([]byte, 0, len(sessionID)+len(ephPub))
	aad = append(aad, sessionID...)
	return append(aad, ephPub...)
}

// ParseX25519Public decodes an encryption public key announced by a player.
func ParseX25519Public(s string) ([]byte, error) {
	b, err := blobEncoding.DecodeString(s)
	if err != nil || len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("keys: bad x25519 public key")
	}
	return b, nil
}
