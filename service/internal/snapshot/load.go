package snapshot

import (
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
)

// Load rebuilds the state and fold bookkeeping of a validated snapshot for v.
// The author's sealed full state is used when v can open it and it agrees
// with the public state; otherwise the public state is re-opened with v's
// keys.
func Load(snap Snapshot, v engine.Viewer) (*engine.State, replay.Meta) {
	meta := replay.Meta{
		Index:   snap.UpToIndex,
		LastSeq: replay.Meta{LastSeq: snap.PublicState.LastSeq}.Clone().LastSeq,
		LogHash: snap.LogHash,
	}
	if st := openFull(snap, v); st != nil {
		return st, meta
	}
	st := snap.PublicState.State.Clone()
	st.Restore(v)
	return st, meta
}

func openFull(snap Snapshot, v engine.Viewer) *engine.State {
	var packed []byte
	if blob, ok := snap.OwnerEncByPlayer[v.ID()]; ok && v.ID() != "" {
		packed, _ = v.OpenOwner(blob)
	}
	if packed == nil && snap.SpectatorEnc != "" && v.Role() == engine.RoleSpectator {
		packed, _ = v.OpenSpectator(snap.SpectatorEnc)
	}
	if packed == nil {
		return nil
	}
	st, err := unpackState(packed)
	if err != nil {
		return nil
	}
	got, err := st.PublicView().MarshalCanonical()
	if err != nil {
		return nil
	}
	want, err := snap.PublicState.State.MarshalCanonical()
	if err != nil || string(got) != string(want) {
		return nil
	}
	return st
}

// PrefixHashes returns the rolling hash after each prefix of records:
// element i is the hash of records[:i].
func PrefixHashes(records [][]byte) []string {
	return chainFrom("", records)
}

func chainFrom(start string, records [][]byte) []string {
	out := make([]string, len(records)+1)
	out[0] = start
	for i, raw := range records {
		out[i+1] = replay.ChainHash(out[i], raw)
	}
	return out
}

// VerifyPrefix reports whether snap summarizes exactly the first UpToIndex
// records of an uncompacted log.
func VerifyPrefix(records [][]byte, snap Snapshot) bool {
	if snap.UpToIndex < 0 || snap.UpToIndex > len(records) {
		return false
	}
	return PrefixHashes(records[:snap.UpToIndex])[snap.UpToIndex] == snap.LogHash
}

// Found is a valid snapshot located in the log.
type Found struct {
	Snapshot Snapshot
	// Index is the log position of the snapshot record itself.
	Index int
}

// Newest returns the valid snapshot with the highest UpToIndex in records,
// the retained part of a log whose first record sits at base. A snapshot is
// valid when it decodes, passes Validate, covers only records before its own
// position, and its log hash matches the chain over that prefix.
//
// A compacted log (base > 0) no longer holds the prefix it dropped. Its chain
// starts from the first snapshot that passes Validate and covers exactly
// base records; without one no snapshot in it can be checked.
func Newest(records [][]byte, base int, codec *envelope.Codec, expectedActorID string) (Found, bool) {
	decoded := make(map[int]Snapshot)
	for i, raw := range records {
		if !replay.IsSnapshot(raw) {
			continue
		}
		if snap, err := Decode(raw); err == nil {
			decoded[i] = snap
		}
	}
	if len(decoded) == 0 {
		return Found{}, false
	}

	start := ""
	if base > 0 {
		anchored := false
		for i := range records {
			snap, ok := decoded[i]
			if !ok || snap.UpToIndex != base {
				continue
			}
			if Validate(codec, snap, "").OK {
				start, anchored = snap.LogHash, true
				break
			}
		}
		if !anchored {
			return Found{}, false
		}
	}

	var (
		best   Found
		ok     bool
		hashes []string
	)
	for i := range records {
		snap, has := decoded[i]
		if !has {
			continue
		}
		if snap.UpToIndex < base || snap.UpToIndex > base+i || (ok && snap.UpToIndex <= best.Snapshot.UpToIndex) {
			continue
		}
		if !Validate(codec, snap, expectedActorID).OK {
			continue
		}
		if hashes == nil {
			hashes = chainFrom(start, records)
		}
		if hashes[snap.UpToIndex-base] != snap.LogHash {
			continue
		}
		best, ok = Found{Snapshot: snap, Index: base + i}, true
	}
	return best, ok
}
