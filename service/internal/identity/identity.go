// Package identity creates and persists the per-session identity of the
// local participant: an Ed25519 signing keypair, an X25519 encryption keypair
// and a random owner key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hansy/drawspell-sub000/service/internal/keys"
)

const blobVersion = 1

// Identity is the local participant's key material for one session.
type Identity struct {
	SessionID   string
	ActorID     string
	SignPublic  ed25519.PublicKey
	SignPrivate ed25519.PrivateKey
	EncPublic   []byte
	EncPrivate  []byte
	OwnerKey    []byte

	// Ephemeral is set when the identity could not be persisted and only
	// lives for this process.
	Ephemeral bool
}

// New generates a fresh identity for sessionID.
func New(sessionID string) (*Identity, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encPriv, encPub, err := keys.GenerateX25519()
	if err != nil {
		return nil, err
	}
	owner := make([]byte, keys.KeySize)
	if _, err := io.ReadFull(rand.Reader, owner); err != nil {
		return nil, fmt.Errorf("generate owner key: %w", err)
	}
	return &Identity{
		SessionID:   sessionID,
		ActorID:     keys.ActorID(pub),
		SignPublic:  pub,
		SignPrivate: priv,
		EncPublic:   encPub,
		EncPrivate:  encPriv,
		OwnerKey:    owner,
	}, nil
}

// EncPublicKey returns the encryption public key as announced in player.join.
func (id *Identity) EncPublicKey() string {
	return base64.RawURLEncoding.EncodeToString(id.EncPublic)
}

// OwnerSealer returns the sealer for slices only this identity may open.
func (id *Identity) OwnerSealer() (*keys.Sealer, error) {
	key, err := keys.DeriveOwnerKey(id.OwnerKey, id.SessionID)
	if err != nil {
		return nil, err
	}
	return keys.NewSealer(key, id.SessionID)
}

type blob struct {
	V             int    `json:"v"`
	SessionID     string `json:"sessionId"`
	SignSeed      string `json:"signSeed"`
	EncPrivateKey string `json:"encPrivateKey"`
	OwnerKey      string `json:"ownerKey"`
}

// Bytes returns the raw key material as a JSON blob for the identity store.
func (id *Identity) Bytes() ([]byte, error) {
	enc := base64.RawURLEncoding
	return json.Marshal(blob{
		V:             blobVersion,
		SessionID:     id.SessionID,
		SignSeed:      enc.EncodeToString(id.SignPrivate.Seed()),
		EncPrivateKey: enc.EncodeToString(id.EncPrivate),
		OwnerKey:      enc.EncodeToString(id.OwnerKey),
	})
}

// FromBytes rebuilds an identity from a blob produced by Bytes. Public keys
// and the actor id are re-derived, never read.
func FromBytes(b []byte) (*Identity, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if bl.V != blobVersion || bl.SessionID == "" {
		return nil, fmt.Errorf("decode identity: unsupported blob")
	}
	enc := base64.RawURLEncoding
	seed, err := enc.DecodeString(bl.SignSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decode identity: bad signing seed")
	}
	encPriv, err := enc.DecodeString(bl.EncPrivateKey)
	if err != nil || len(encPriv) != 32 {
		return nil, fmt.Errorf("decode identity: bad encryption key")
	}
	owner, err := enc.DecodeString(bl.OwnerKey)
	if err != nil || len(owner) != keys.KeySize {
		return nil, fmt.Errorf("decode identity: bad owner key")
	}
	encPub, err := keys.X25519Public(encPriv)
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		SessionID:   bl.SessionID,
		ActorID:     keys.ActorID(pub),
		SignPublic:  pub,
		SignPrivate: priv,
		EncPublic:   encPub,
		EncPrivate:  encPriv,
		OwnerKey:    owner,
	}, nil
}
