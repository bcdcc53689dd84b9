package replay

import (
	"bytes"
	"context"
	"testing"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "session-replay"

var testPlayerKey = bytes.Repeat([]byte{7}, keys.KeySize)

// actor writes records the way a local writer would, tracking its own seq.
type actor struct {
	t     *testing.T
	id    *identity.Identity
	codec *envelope.Codec
	kr    payload.Keyring
	seq   uint64
}

func newCodec(t *testing.T) *envelope.Codec {
	t.Helper()
	c, err := envelope.NewCodec(testSession, testPlayerKey)
	require.NoError(t, err)
	return c
}

func newActor(t *testing.T, codec *envelope.Codec) *actor {
	t.Helper()
	id, err := identity.New(testSession)
	require.NoError(t, err)
	owner, err := id.OwnerSealer()
	require.NoError(t, err)
	return &actor{t: t, id: id, codec: codec, kr: payload.Keyring{SessionID: testSession, Owner: owner}}
}

func (a *actor) env(typ engine.CommandType, p payload.Payloads, seq uint64) envelope.Envelope {
	a.t.Helper()
	env := envelope.Envelope{Seq: seq, Type: typ}
	p.Into(&env)
	signed, err := a.codec.BuildAndSign(env, a.id.SignPrivate)
	require.NoError(a.t, err)
	return signed
}

func (a *actor) record(typ engine.CommandType, p payload.Payloads) []byte {
	a.t.Helper()
	a.seq++
	raw, err := envelope.Encode(a.env(typ, p, a.seq))
	require.NoError(a.t, err)
	return raw
}

func (a *actor) mustPublic(v any) payload.Payloads {
	a.t.Helper()
	p, err := payload.Public(v)
	require.NoError(a.t, err)
	return p
}

func (a *actor) join(name string) []byte {
	return a.record(engine.CmdPlayerJoin, a.mustPublic(engine.PlayerJoinPayload{
		PlayerID:  a.id.ActorID,
		Name:      name,
		EncPubKey: a.id.EncPublicKey(),
	}))
}

func (a *actor) viewer() *Viewer {
	a.t.Helper()
	vc, err := ContextFor(a.id, engine.RolePlayer, testPlayerKey, nil)
	require.NoError(a.t, err)
	v, err := NewViewer(vc)
	require.NoError(a.t, err)
	return v
}

func foldAll(t *testing.T, codec *envelope.Codec, v engine.Viewer, records [][]byte) (*engine.State, Meta, []Outcome) {
	t.Helper()
	st := engine.NewState()
	meta := NewMeta()
	var outs []Outcome
	err := NewReplayer(codec, v, 4, nil).Replay(context.Background(), st, &meta, records, func(o Outcome) {
		outs = append(outs, o)
	})
	require.NoError(t, err)
	return st, meta, outs
}

func canonical(t *testing.T, st *engine.State) string {
	t.Helper()
	b, err := st.MarshalCanonical()
	require.NoError(t, err)
	return string(b)
}

func cards(prefix string, names ...string) engine.HiddenZoneContents {
	var c engine.HiddenZoneContents
	for _, n := range names {
		c.Cards = append(c.Cards, engine.HiddenCard{ID: prefix + "-" + n, Identity: engine.CardIdentity{Name: n}})
	}
	return c
}

// TestEndToEndRevealToRecipient verifies a recipient opens a revealed card and
// others do not.
func TestEndToEndRevealToRecipient(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	r := newActor(t, codec)

	hand := cards(a.id.ActorID, "Forest", "Counterspell")
	setHand, err := payload.SetHidden(a.kr, a.id.ActorID, engine.ZoneHand, hand)
	require.NoError(t, err)
	battlefield := engine.ZoneID(a.id.ActorID, engine.ZoneBattlefield)
	create, err := payload.CreateCard(a.kr, engine.Card{
		ID:       "bf-1",
		OwnerID:  a.id.ActorID,
		ZoneID:   battlefield,
		Identity: &engine.CardIdentity{Name: "Island"},
	}, nil)
	require.NoError(t, err)
	secret := hand.Cards[1]
	reveal, err := payload.Reveal(a.kr, secret.ID, a.id.ActorID, engine.ZoneID(a.id.ActorID, engine.ZoneHand),
		secret.Identity, false, payload.Recipients{r.id.ActorID: r.id.EncPublic})
	require.NoError(t, err)

	records := [][]byte{
		a.join("Alice"),
		r.join("Rae"),
		a.record(engine.CmdCardCreatePublic, create),
		a.record(engine.CmdZoneSetHidden, setHand),
		a.record(engine.CmdCardRevealSet, reveal),
	}

	asR, _, outs := foldAll(t, codec, r.viewer(), records)
	for _, o := range outs {
		require.True(t, o.Applied, "record %d: %s", o.Index, o.Reason())
	}
	asNobody, _, _ := foldAll(t, codec, engine.Nobody{}, records)

	require.NotNil(t, asR.Reveals[secret.ID])
	require.NotNil(t, asR.Reveals[secret.ID].Identity)
	assert.Equal(t, "Counterspell", asR.Reveals[secret.ID].Identity.Name)

	require.NotNil(t, asNobody.Reveals[secret.ID])
	assert.Nil(t, asNobody.Reveals[secret.ID].Identity)
	assert.Nil(t, asNobody.Cards[secret.ID])
	assert.Equal(t, "Island", asNobody.Cards["bf-1"].Identity.Name)

	assert.Equal(t, canonical(t, asR.PublicView()), canonical(t, asNobody.PublicView()))
}

// TestOwnerOnlyHiddenZone verifies only the owner opens its hidden zone.
func TestOwnerOnlyHiddenZone(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	b := newActor(t, codec)
	hand := cards("h", "A", "B")
	setHand, err := payload.SetHidden(a.kr, a.id.ActorID, engine.ZoneHand, hand)
	require.NoError(t, err)
	records := [][]byte{a.join("A"), b.join("B"), a.record(engine.CmdZoneSetHidden, setHand)}

	asOwner, _, _ := foldAll(t, codec, a.viewer(), records)
	asOther, _, _ := foldAll(t, codec, b.viewer(), records)

	z := asOwner.Zone(a.id.ActorID, engine.ZoneHand)
	assert.Equal(t, []string{"h-A", "h-B"}, z.CardIDs)
	assert.Equal(t, "A", asOwner.Cards["h-A"].Identity.Name)

	other := asOther.Zone(a.id.ActorID, engine.ZoneHand)
	assert.Empty(t, other.CardIDs)
	assert.Equal(t, 2, other.Count)
	assert.Nil(t, asOther.Cards["h-A"])
}

// TestTamperedRecordIsSkipped verifies a tampered record is skipped and the
// fold goes on.
func TestTamperedRecordIsSkipped(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	join := a.join("Alice")
	scale := a.record(engine.CmdBattlefieldScale, a.mustPublic(engine.BattlefieldScalePayload{PlayerID: a.id.ActorID, Scale: 0.7}))
	tampered := bytes.Replace(scale, []byte(`0.7`), []byte(`0.6`), 1)
	require.NotEqual(t, scale, tampered)

	st, meta, outs := foldAll(t, codec, engine.Nobody{}, [][]byte{join, tampered})
	require.Len(t, outs, 2)
	assert.False(t, outs[1].Applied)
	assert.Equal(t, envelope.ReasonMACMismatch, outs[1].Verify)
	_, ok := st.BattlefieldViewScale[a.id.ActorID]
	assert.False(t, ok)
	// The tampered record did not consume seq 2.
	assert.Equal(t, uint64(1), meta.LastSeq[a.id.ActorID])
	assert.Equal(t, 2, meta.Index)
}

// TestDuplicateSeqIsNotAppliedTwice verifies a replayed seq is skipped.
func TestDuplicateSeqIsNotAppliedTwice(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	join := a.join("Alice")
	add := a.record(engine.CmdGlobalCounterAdd, a.mustPublic(engine.GlobalCounterPayload{CounterType: "poison"}))
	replayed := a.env(engine.CmdGlobalCounterAdd, a.mustPublic(engine.GlobalCounterPayload{CounterType: "energy"}), 2)
	dup, err := envelope.Encode(replayed)
	require.NoError(t, err)

	st, _, outs := foldAll(t, codec, engine.Nobody{}, [][]byte{join, add, dup})
	assert.True(t, outs[1].Applied)
	assert.Equal(t, envelope.ReasonSequenceMismatch, outs[2].Verify)
	assert.Contains(t, st.GlobalCounters, "poison")
	assert.NotContains(t, st.GlobalCounters, "energy")
}

// TestGapInSeqIsRejected verifies a seq gap is skipped.
func TestGapInSeqIsRejected(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	join := a.join("Alice")
	gap, err := envelope.Encode(a.env(engine.CmdRoomLockSet, a.mustPublic(engine.RoomLockPayload{Locked: true}), 3))
	require.NoError(t, err)

	st, _, outs := foldAll(t, codec, engine.Nobody{}, [][]byte{join, gap})
	assert.Equal(t, envelope.ReasonSequenceMismatch, outs[1].Verify)
	assert.False(t, st.Room.Locked)
}

// TestStructuralGarbageDoesNotHaltReplay verifies undecodable records are
// skipped.
func TestStructuralGarbageDoesNotHaltReplay(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	records := [][]byte{
		[]byte(`not json`),
		[]byte(`{"v":1,"extra":true}`),
		a.join("Alice"),
		a.record(engine.CommandType("card.teleport"), a.mustPublic(map[string]string{"cardId": "x"})),
		a.record(engine.CmdRoomLockSet, a.mustPublic(engine.RoomLockPayload{Locked: true})),
	}
	st, meta, outs := foldAll(t, codec, engine.Nobody{}, records)
	assert.Equal(t, envelope.ReasonInvalidEnvelope, outs[0].Verify)
	assert.Equal(t, envelope.ReasonInvalidEnvelope, outs[1].Verify)
	assert.True(t, outs[2].Applied)
	assert.Equal(t, engine.SkipUnknownType, outs[3].Skip)
	assert.True(t, outs[4].Applied)
	assert.True(t, st.Room.Locked)
	assert.Equal(t, uint64(3), meta.LastSeq[a.id.ActorID])
}

// TestForeignSessionKeyIsRejected verifies records under another session key
// are skipped.
func TestForeignSessionKeyIsRejected(t *testing.T) {
	codec := newCodec(t)
	other, err := envelope.NewCodec(testSession, bytes.Repeat([]byte{9}, keys.KeySize))
	require.NoError(t, err)
	a := newActor(t, other)

	st, _, outs := foldAll(t, codec, engine.Nobody{}, [][]byte{a.join("Mallory")})
	assert.Equal(t, envelope.ReasonMACMismatch, outs[0].Verify)
	assert.Empty(t, st.Players)
}

// TestReplayIsDeterministic verifies replaying the same log twice yields the
// same state and hash.
func TestReplayIsDeterministic(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	b := newActor(t, codec)
	lib := cards("l", "1", "2", "3", "4", "5")
	shuffle, err := payload.Shuffle(a.kr, a.id.ActorID, lib)
	require.NoError(t, err)
	draw, err := payload.Draw(a.kr, a.id.ActorID, 2, engine.HiddenZoneContents{Cards: lib.Cards[:2]}, engine.HiddenZoneContents{Cards: lib.Cards[2:]})
	require.NoError(t, err)
	records := [][]byte{
		a.join("A"), b.join("B"),
		a.record(engine.CmdLibraryShuffle, shuffle),
		a.record(engine.CmdCardDraw, draw),
		b.record(engine.CmdGlobalCounterAdd, b.mustPublic(engine.GlobalCounterPayload{CounterType: "storm"})),
	}
	first, m1, _ := foldAll(t, codec, a.viewer(), records)
	second, m2, _ := foldAll(t, codec, a.viewer(), records)
	assert.Equal(t, canonical(t, first), canonical(t, second))
	assert.Equal(t, m1, m2)
	assert.Equal(t, []string{"l-1", "l-2"}, first.Zone(a.id.ActorID, engine.ZoneHand).CardIDs)
}

// TestSnapshotRecordsAreNotFolded verifies snapshot records advance the index
// without changing state.
func TestSnapshotRecordsAreNotFolded(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	snap := []byte(`{"v":1,"id":"s","upToIndex":1,"logHash":"00"}`)
	st, meta, outs := foldAll(t, codec, engine.Nobody{}, [][]byte{a.join("A"), snap})
	assert.True(t, outs[1].Snapshot)
	assert.False(t, outs[1].Applied)
	assert.Len(t, st.Players, 1)
	assert.Equal(t, 2, meta.Index)
}

// TestChainHash verifies the chain hash ignores JSON layout and depends on the
// previous hash.
func TestChainHash(t *testing.T) {
	h1 := ChainHash("", []byte(`{"b":1,"a":2}`))
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, ChainHash("", []byte(`{ "a": 2, "b": 1 }`)))
	assert.NotEqual(t, h1, ChainHash(h1, []byte(`{"b":1,"a":2}`)))
	assert.NotEqual(t, ChainHash("", []byte(`x`)), ChainHash("", []byte(`y`)))
}

// TestApplyCommandLogMatchesReplayer verifies folding one record at a time
// matches a batch replay.
func TestApplyCommandLogMatchesReplayer(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	records := [][]byte{
		a.join("A"),
		a.record(engine.CmdLibraryTopReveal, a.mustPublic(engine.LibraryTopRevealPayload{OwnerID: a.id.ActorID, Mode: engine.TopRevealSelf})),
	}
	st := engine.NewState()
	meta := NewMeta()
	for _, raw := range records {
		ApplyCommandLog(st, &meta, raw, codec, a.viewer())
	}
	batch, batchMeta, _ := foldAll(t, codec, a.viewer(), records)
	assert.Equal(t, canonical(t, batch), canonical(t, st))
	assert.Equal(t, batchMeta, meta)
}

// TestReplayStopsOnCancel verifies a cancelled context stops the replay.
func TestReplayStopsOnCancel(t *testing.T) {
	codec := newCodec(t)
	a := newActor(t, codec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := engine.NewState()
	meta := NewMeta()
	err := NewReplayer(codec, nil, 2, nil).Replay(ctx, st, &meta, [][]byte{a.join("A")}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestViewerWithoutKeysOpensNothing verifies a keyless viewer opens no sealed
// payload.
func TestViewerWithoutKeysOpensNothing(t *testing.T) {
	v, err := NewViewer(ViewerContext{SessionID: testSession, ViewerID: "x"})
	require.NoError(t, err)
	assert.Equal(t, engine.RolePlayer, v.Role())
	_, ok := v.OpenOwner("abc")
	assert.False(t, ok)
	_, ok = v.OpenSpectator("abc")
	assert.False(t, ok)
	_, ok = v.OpenRecipient("abc")
	assert.False(t, ok)

	_, err = NewViewer(ViewerContext{SessionID: testSession, OwnerAESKey: []byte("short")})
	assert.Error(t, err)
}
