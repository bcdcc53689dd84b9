// Package invite issues and validates session invite grants. A grant is an
// EdDSA JWT signed by the host's session identity that hands the shared
// session keys to an invited player or spectator.
package invite

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
)

// Errors returned by Validate.
var (
	ErrInvalid  = errors.New("invite: grant is invalid")
	ErrExpired  = errors.New("invite: grant is expired")
	ErrMismatch = errors.New("invite: grant does not match")
)

// SessionKeys are the shared secrets of a session. Every participant holds
// the player key. Players hold the spectator key to write the spectator copy
// of their hand; only spectator sessions read through it.
type SessionKeys struct {
	PlayerKey    []byte
	SpectatorKey []byte
}

// NewSessionKeys generates fresh session secrets.
func NewSessionKeys() (SessionKeys, error) {
	k := SessionKeys{PlayerKey: make([]byte, keys.KeySize), SpectatorKey: make([]byte, keys.KeySize)}
	if _, err := io.ReadFull(rand.Reader, k.PlayerKey); err != nil {
		return SessionKeys{}, fmt.Errorf("generate player key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, k.SpectatorKey); err != nil {
		return SessionKeys{}, fmt.Errorf("generate spectator key: %w", err)
	}
	return k, nil
}

// Grant is a validated invite.
type Grant struct {
	ID           string
	SessionID    string
	Role         engine.Role
	Issuer       string
	PlayerKey    []byte
	SpectatorKey []byte
	ExpiresAt    time.Time
}

type claims struct {
	jwt.RegisteredClaims
	SessionID    string      `json:"session_id"`
	Role         engine.Role `json:"role"`
	PlayerKey    string      `json:"player_key"`
	SpectatorKey string      `json:"spectator_key,omitempty"`
}

var b64 = base64.RawURLEncoding

// Issue signs a grant for role in sessionID with the host's signing key.
// The grant carries the spectator key whenever sk has one.
func Issue(host ed25519.PrivateKey, sessionID string, role engine.Role, sk SessionKeys, ttl time.Duration, now time.Time) (string, error) {
	if len(host) != ed25519.PrivateKeySize {
		return "", errors.New("invite signer is not configured")
	}
	if strings.TrimSpace(sessionID) == "" || len(sk.PlayerKey) == 0 {
		return "", errors.New("session id and player key are required")
	}
	if role != engine.RolePlayer && role != engine.RoleSpectator {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", errors.New("invite ttl must be positive")
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    keys.ActorID(host.Public().(ed25519.PublicKey)),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
		Role:      role,
		PlayerKey: b64.EncodeToString(sk.PlayerKey),
	}
	if len(sk.SpectatorKey) > 0 {
		c.SpectatorKey = b64.EncodeToString(sk.SpectatorKey)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(host)
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return token, nil
}

// Validate verifies a grant against the host's public key and the session
// the caller is joining.
func Validate(token string, host ed25519.PublicKey, sessionID string, now time.Time) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, fmt.Errorf("%w: grant is required", ErrInvalid)
	}
	if len(host) != ed25519.PublicKeySize {
		return Grant{}, errors.New("invite verifier is not configured")
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return host, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if parsed.Issuer != keys.ActorID(host) {
		return Grant{}, fmt.Errorf("%w: issuer", ErrMismatch)
	}
	if parsed.ID == "" || parsed.ExpiresAt == nil {
		return Grant{}, fmt.Errorf("%w: jti and exp are required", ErrInvalid)
	}
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now.UTC()) {
		return Grant{}, ErrExpired
	}
	if parsed.SessionID == "" || parsed.SessionID != sessionID {
		return Grant{}, fmt.Errorf("%w: session", ErrMismatch)
	}
	if parsed.Role != engine.RolePlayer && parsed.Role != engine.RoleSpectator {
		return Grant{}, fmt.Errorf("%w: role", ErrInvalid)
	}

	g := Grant{
		ID:        parsed.ID,
		SessionID: parsed.SessionID,
		Role:      parsed.Role,
		Issuer:    parsed.Issuer,
		ExpiresAt: exp,
	}
	if g.PlayerKey, err = b64.DecodeString(parsed.PlayerKey); err != nil || len(g.PlayerKey) != keys.KeySize {
		return Grant{}, fmt.Errorf("%w: player key", ErrInvalid)
	}
	if parsed.SpectatorKey != "" {
		if g.SpectatorKey, err = b64.DecodeString(parsed.SpectatorKey); err != nil || len(g.SpectatorKey) != keys.KeySize {
			return Grant{}, fmt.Errorf("%w: spectator key", ErrInvalid)
		}
	}
	return g, nil
}
