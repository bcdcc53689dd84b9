// Package snapshot compacts replay state into signed snapshot records and
// loads them back.
//
// A snapshot carries the public view of the state, which every viewer can
// re-open with its own keys, plus an owner-sealed copy of the author's full
// state. Snapshots use the same MAC-then-signature discipline as command
// envelopes.
package snapshot

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
	"github.com/klauspost/compress/zstd"
)

// Version is the snapshot format version.
const Version = 1

// maxStateSize bounds a decompressed state blob.
const maxStateSize = 64 << 20

// PublicState is the viewer-independent part of a snapshot.
type PublicState struct {
	State   *engine.State     `json:"state"`
	LastSeq map[string]uint64 `json:"lastSeq"`
}

// Snapshot is a signed compaction of the log up to UpToIndex. UpToIndex is
// the number of records it covers; replay resumes at that index.
type Snapshot struct {
	V                int               `json:"v"`
	ID               string            `json:"id"`
	ActorID          string            `json:"actorId"`
	Seq              uint64            `json:"seq"`
	TS               int64             `json:"ts"`
	UpToIndex        int               `json:"upToIndex"`
	LogHash          string            `json:"logHash"`
	PublicState      PublicState       `json:"publicState"`
	OwnerEncByPlayer map[string]string `json:"ownerEncByPlayer,omitempty"`
	SpectatorEnc     string            `json:"spectatorEnc,omitempty"`
	PubKey           string            `json:"pubKey"`
	MAC              string            `json:"mac,omitempty"`
	Sig              string            `json:"sig,omitempty"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxStateSize))
)

// Author is the key material of the participant building a snapshot. Owner
// seals the author's full state; Spectator is set instead when the author
// replays as a spectator.
type Author struct {
	ActorID   string
	Owner     *keys.Sealer
	Spectator *keys.Sealer
}

// Build captures st and meta into an unsigned snapshot. st is the author's
// own view of the log.
func Build(st *engine.State, meta replay.Meta, author Author) (Snapshot, error) {
	lastSeq := meta.Clone().LastSeq
	snap := Snapshot{
		V:         Version,
		ActorID:   author.ActorID,
		Seq:       lastSeq[author.ActorID],
		UpToIndex: meta.Index,
		LogHash:   meta.LogHash,
		PublicState: PublicState{
			State:   st.PublicView(),
			LastSeq: lastSeq,
		},
	}
	if author.Owner == nil && author.Spectator == nil {
		return snap, nil
	}
	full, err := st.MarshalCanonical()
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state: %w", err)
	}
	packed := encoder.EncodeAll(full, nil)
	if author.Owner != nil {
		blob, err := author.Owner.Seal(packed)
		if err != nil {
			return Snapshot{}, fmt.Errorf("seal owner state: %w", err)
		}
		snap.OwnerEncByPlayer = map[string]string{author.ActorID: blob}
	}
	if author.Spectator != nil {
		blob, err := author.Spectator.Seal(packed)
		if err != nil {
			return Snapshot{}, fmt.Errorf("seal spectator state: %w", err)
		}
		snap.SpectatorEnc = blob
	}
	return snap, nil
}

// Sign fills the identity fields of snap from priv, then sets the MAC and
// the signature the way envelopes are signed.
func Sign(codec *envelope.Codec, snap Snapshot, priv ed25519.PrivateKey) (Snapshot, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Snapshot{}, fmt.Errorf("invalid signing key")
	}
	pub := priv.Public().(ed25519.PublicKey)
	snap.V = Version
	snap.PubKey = envelope.EncodePubKey(pub)
	snap.ActorID = keys.ActorID(pub)
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.TS == 0 {
		snap.TS = time.Now().UnixMilli()
	}
	snap.MAC, snap.Sig = "", ""

	mac, err := codec.MAC(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("mac snapshot: %w", err)
	}
	snap.MAC = mac
	sig, err := envelope.Sign(priv, snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sign snapshot: %w", err)
	}
	snap.Sig = sig
	return snap, nil
}

// Validate checks snap in the same order as envelope verification. An empty
// expectedActorID accepts any author.
func Validate(codec *envelope.Codec, snap Snapshot, expectedActorID string) envelope.Result {
	if snap.MAC == "" {
		return envelope.Fail(envelope.ReasonMissingMAC)
	}
	if snap.Sig == "" {
		return envelope.Fail(envelope.ReasonMissingSig)
	}
	if snap.V != Version || snap.ID == "" || snap.ActorID == "" || snap.PubKey == "" ||
		snap.UpToIndex < 0 || snap.PublicState.State == nil {
		return envelope.Fail(envelope.ReasonInvalidEnvelope)
	}
	if snap.UpToIndex > 0 && snap.LogHash == "" {
		return envelope.Fail(envelope.ReasonInvalidEnvelope)
	}
	pub, ok := envelope.DecodePubKey(snap.PubKey)
	if !ok {
		return envelope.Fail(envelope.ReasonInvalidPubKey)
	}
	if keys.ActorID(pub) != snap.ActorID {
		return envelope.Fail(envelope.ReasonActorIDMismatch)
	}
	if expectedActorID != "" && expectedActorID != snap.ActorID {
		return envelope.Fail(envelope.ReasonExpectedActorMismatch)
	}

	unsigned := snap
	unsigned.MAC, unsigned.Sig = "", ""
	macOK, err := codec.CheckMAC(unsigned, snap.MAC)
	if err != nil {
		return envelope.Fail(envelope.ReasonInvalidEnvelope)
	}
	if !macOK {
		return envelope.Fail(envelope.ReasonMACMismatch)
	}
	withMAC := snap
	withMAC.Sig = ""
	sigOK, err := envelope.CheckSig(pub, withMAC, snap.Sig)
	if err != nil {
		return envelope.Fail(envelope.ReasonInvalidEnvelope)
	}
	if !sigOK {
		return envelope.Fail(envelope.ReasonSigMismatch)
	}
	return envelope.Result{OK: true}
}

// Encode returns the canonical wire bytes of snap.
func Encode(snap Snapshot) ([]byte, error) { return envelope.Canonical(snap) }

// Decode parses a snapshot record. Unknown fields are rejected.
func Decode(raw []byte) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

var errBlob = errors.New("snapshot: unreadable state blob")

func unpackState(packed []byte) (*engine.State, error) {
	full, err := decoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBlob, err)
	}
	var st engine.State
	if err := json.Unmarshal(full, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", errBlob, err)
	}
	st.EnsureMaps()
	return &st, nil
}
