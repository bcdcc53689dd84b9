// Package envelope encodes, signs and verifies command envelopes.
//
// An envelope is MAC'd under a key derived from the session player key, then
// signed with the actor's Ed25519 key over the canonical bytes including the
// MAC. Verification never returns an error; it returns a tagged Result.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
)

// Version is the envelope format version.
const Version = 1

// Envelope is one command record of the replicated log.
type Envelope struct {
	V                    int                `json:"v"`
	ID                   string             `json:"id"`
	ActorID              string             `json:"actorId"`
	Seq                  uint64             `json:"seq"`
	TS                   int64              `json:"ts"`
	Type                 engine.CommandType `json:"type"`
	PayloadPublic        json.RawMessage    `json:"payloadPublic,omitempty"`
	PayloadOwnerEnc      string             `json:"payloadOwnerEnc,omitempty"`
	PayloadSpectatorEnc  string             `json:"payloadSpectatorEnc,omitempty"`
	PayloadRecipientsEnc map[string]string  `json:"payloadRecipientsEnc,omitempty"`
	PubKey               string             `json:"pubKey"`
	MAC                  string             `json:"mac,omitempty"`
	Sig                  string             `json:"sig,omitempty"`
}

// Command returns the engine view of a verified envelope.
func (e *Envelope) Command() engine.Command {
	return engine.Command{
		Type:          e.Type,
		ActorID:       e.ActorID,
		Public:        e.PayloadPublic,
		OwnerEnc:      e.PayloadOwnerEnc,
		SpectatorEnc:  e.PayloadSpectatorEnc,
		RecipientsEnc: e.PayloadRecipientsEnc,
	}
}

// Encode returns the canonical wire bytes of e.
func Encode(e Envelope) ([]byte, error) { return Canonical(e) }

// Decode parses a log record into an envelope. Unknown fields are rejected.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Codec holds the session MAC key. It is safe for concurrent use.
type Codec struct {
	sessionID string
	macKey    []byte
}

// NewCodec derives the session MAC key from the shared player key.
func NewCodec(sessionID string, playerKey []byte) (*Codec, error) {
	macKey, err := keys.DerivePlayerMACKey(playerKey, sessionID)
	if err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return &Codec{sessionID: sessionID, macKey: macKey}, nil
}

// SessionID returns the session the codec was built for.
func (c *Codec) SessionID() string { return c.sessionID }

// MAC returns the MAC over the canonical bytes of v. Callers clear the mac
// and sig fields of v first.
func (c *Codec) MAC(v any) (string, error) {
	msg, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return computeMAC(c.macKey, msg), nil
}

// CheckMAC reports whether mac authenticates v. The error is set only when v
// cannot be canonicalized.
func (c *Codec) CheckMAC(v any, mac string) (bool, error) {
	msg, err := Canonical(v)
	if err != nil {
		return false, err
	}
	return macEqual(c.macKey, msg, mac), nil
}

// Sign signs the canonical bytes of v.
func Sign(priv ed25519.PrivateKey, v any) (string, error) {
	msg, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return sign(priv, msg), nil
}

// CheckSig reports whether sig is pub's signature over the canonical bytes
// of v.
func CheckSig(pub ed25519.PublicKey, v any, sig string) (bool, error) {
	msg, err := Canonical(v)
	if err != nil {
		return false, err
	}
	return verifySig(pub, msg, sig), nil
}

// BuildAndSign fills the identity fields of env from priv, then sets the MAC
// over env without mac and sig, then the signature over env with the MAC.
// An empty ID gets a fresh uuid and a zero TS gets the current time.
func (c *Codec) BuildAndSign(env Envelope, priv ed25519.PrivateKey) (Envelope, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Envelope{}, fmt.Errorf("invalid signing key")
	}
	pub := priv.Public().(ed25519.PublicKey)
	env.V = Version
	env.PubKey = EncodePubKey(pub)
	env.ActorID = keys.ActorID(pub)
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	if len(env.PayloadRecipientsEnc) == 0 {
		env.PayloadRecipientsEnc = nil
	}
	env.MAC, env.Sig = "", ""

	mac, err := c.MAC(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("mac envelope: %w", err)
	}
	env.MAC = mac
	sig, err := Sign(priv, env)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	env.Sig = sig
	return env, nil
}

// VerifyOptions are the optional expectations checked by Verify. Zero values
// are not checked.
type VerifyOptions struct {
	ExpectedSeq     uint64
	ExpectedActorID string
}

// Verify checks env in a fixed order and reports the first failure.
func (c *Codec) Verify(env Envelope, opts VerifyOptions) Result {
	if env.MAC == "" {
		return Fail(ReasonMissingMAC)
	}
	if env.Sig == "" {
		return Fail(ReasonMissingSig)
	}
	if env.V != Version || env.ID == "" || env.ActorID == "" || env.Seq == 0 || env.Type == "" || env.PubKey == "" {
		return Fail(ReasonInvalidEnvelope)
	}
	pub, ok := DecodePubKey(env.PubKey)
	if !ok {
		return Fail(ReasonInvalidPubKey)
	}
	if keys.ActorID(pub) != env.ActorID {
		return Fail(ReasonActorIDMismatch)
	}
	if opts.ExpectedActorID != "" && opts.ExpectedActorID != env.ActorID {
		return Fail(ReasonExpectedActorMismatch)
	}

	unsigned := env
	unsigned.MAC, unsigned.Sig = "", ""
	macOK, err := c.CheckMAC(unsigned, env.MAC)
	if err != nil {
		return Fail(ReasonInvalidEnvelope)
	}
	if !macOK {
		return Fail(ReasonMACMismatch)
	}
	withMAC := env
	withMAC.Sig = ""
	sigOK, err := CheckSig(pub, withMAC, env.Sig)
	if err != nil {
		return Fail(ReasonInvalidEnvelope)
	}
	if !sigOK {
		return Fail(ReasonSigMismatch)
	}
	if opts.ExpectedSeq != 0 && env.Seq != opts.ExpectedSeq {
		return Fail(ReasonSequenceMismatch)
	}
	return Result{OK: true}
}
