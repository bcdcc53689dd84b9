// Package keys derives the purpose-scoped symmetric keys of a session and
// seals payload slices with them.
//
// Every key is HKDF-SHA256 over a session secret, salted with the session id
// and separated by a fixed info string per purpose. Any replica holding the
// same secret derives the same key.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived key.
const KeySize = 32

// ActorIDLen is the number of hex characters of the public key hash kept as
// the actor id.
const ActorIDLen = 32

const (
	infoOwner     = "drawspell/owner-aes/v1"
	infoSpectator = "drawspell/spectator-aes/v1"
	infoReveal    = "drawspell/reveal-aes/v1"
	infoPlayerMAC = "drawspell/player-mac/v1"
)

// ErrEmptyInput is returned when a secret or session id is missing.
var ErrEmptyInput = errors.New("keys: secret and session id are required")

func derive(secret []byte, sessionID, info string) ([]byte, error) {
	if len(secret) == 0 || strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptyInput
	}
	r := hkdf.New(sha256.New, secret, []byte(sessionID), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}

// DeriveOwnerKey returns the AEAD key for slices only the owner may open.
func DeriveOwnerKey(ownerKey []byte, sessionID string) ([]byte, error) {
	return derive(ownerKey, sessionID, infoOwner)
}

// DeriveSpectatorKey returns the AEAD key for spectator slices.
func DeriveSpectatorKey(spectatorKey []byte, sessionID string) ([]byte, error) {
	return derive(spectatorKey, sessionID, infoSpectator)
}

// DeriveRevealKey returns the AEAD key for one recipient blob from the X25519
// shared secret.
func DeriveRevealKey(sharedSecret []byte, sessionID string) ([]byte, error) {
	return derive(sharedSecret, sessionID, infoReveal)
}

// DerivePlayerMACKey returns the HMAC key for envelope and snapshot MACs.
func DerivePlayerMACKey(playerKey []byte, sessionID string) ([]byte, error) {
	return derive(playerKey, sessionID, infoPlayerMAC)
}

// ActorID returns the actor id bound to a signing public key.
func ActorID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:ActorIDLen]
}
