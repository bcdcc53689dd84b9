package outbox

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/payload"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
	"github.com/hansy/drawspell-sub000/service/internal/replog"
	"github.com/hansy/drawspell-sub000/service/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "session-outbox"

func setup(t *testing.T, l replog.Log) (*Outbox, *identity.Identity, *envelope.Codec) {
	t.Helper()
	codec, err := envelope.NewCodec(testSession, bytes.Repeat([]byte{8}, keys.KeySize))
	require.NoError(t, err)
	id, err := identity.New(testSession)
	require.NoError(t, err)
	o, err := New(l, codec, id.SignPrivate, nil)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, id, codec
}

func counter(name string) BuildFunc {
	return func(context.Context) (payload.Payloads, error) {
		return payload.Public(engine.GlobalCounterPayload{CounterType: name})
	}
}

func signedRecord(t *testing.T, codec *envelope.Codec, priv ed25519.PrivateKey, seq uint64, typ engine.CommandType) []byte {
	t.Helper()
	env, err := codec.BuildAndSign(envelope.Envelope{Seq: seq, Type: typ, PayloadPublic: []byte(`{}`)}, priv)
	require.NoError(t, err)
	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	return raw
}

// TestEnqueueAssignsGaplessSeq verifies enqueued commands get consecutive seqs.
func TestEnqueueAssignsGaplessSeq(t *testing.T) {
	l := replog.NewMemory()
	o, id, codec := setup(t, l)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), w.Envelope.Seq)
		assert.Equal(t, i-1, w.Index)
		assert.Equal(t, id.ActorID, w.Envelope.ActorID)
	}

	_, records, err := replog.ReadAll(ctx, l)
	require.NoError(t, err)
	st, meta, err := replay.NewReplayer(codec, nil, 2, nil).FromGenesis(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), meta.LastSeq[id.ActorID])
	assert.NotNil(t, st)
}

// TestConcurrentEnqueueNeverReusesSeq verifies concurrent callers never share a
// seq.
func TestConcurrentEnqueueNeverReusesSeq(t *testing.T) {
	l := replog.NewMemory()
	o, _, _ := setup(t, l)
	ctx := context.Background()

	var wg sync.WaitGroup
	seqs := make(chan uint64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
			if assert.NoError(t, err) {
				seqs <- w.Envelope.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "seq %d written twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, 20)
	for s := uint64(1); s <= 20; s++ {
		assert.True(t, seen[s], "missing seq %d", s)
	}
}

// TestSeqResumesFromLog verifies a new outbox continues the seq found in the
// log.
func TestSeqResumesFromLog(t *testing.T) {
	ctx := context.Background()
	codec, err := envelope.NewCodec(testSession, bytes.Repeat([]byte{8}, keys.KeySize))
	require.NoError(t, err)
	id, err := identity.New(testSession)
	require.NoError(t, err)
	other, err := identity.New(testSession)
	require.NoError(t, err)

	l := replog.NewMemory(
		signedRecord(t, codec, id.SignPrivate, 1, engine.CmdPlayerJoin),
		signedRecord(t, codec, other.SignPrivate, 1, engine.CmdPlayerJoin),
		signedRecord(t, codec, id.SignPrivate, 2, engine.CmdRoomLockSet),
		// Out of sequence: replicas skip it, so it does not count.
		signedRecord(t, codec, id.SignPrivate, 9, engine.CmdRoomLockSet),
		[]byte(`garbage`),
	)
	o, err := New(l, codec, id.SignPrivate, nil)
	require.NoError(t, err)
	defer o.Close()

	w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w.Envelope.Seq)
	assert.Equal(t, 5, w.Index)
}

// racingLog lets a second writer with the same identity land a record just
// before or after each append.
type racingLog struct {
	*replog.Memory
	before [][]byte
	after  [][]byte
}

func (r *racingLog) Append(ctx context.Context, rec []byte) (int, error) {
	for _, b := range r.before {
		if _, err := r.Memory.Append(ctx, b); err != nil {
			return 0, err
		}
	}
	idx, err := r.Memory.Append(ctx, rec)
	if err != nil {
		return 0, err
	}
	for _, b := range r.after {
		if _, err := r.Memory.Append(ctx, b); err != nil {
			return 0, err
		}
	}
	r.before, r.after = nil, nil
	return idx, nil
}

// TestRejectedCommandIsRetracted verifies a command the engine rejects is
// removed from the tail.
func TestRejectedCommandIsRetracted(t *testing.T) {
	ctx := context.Background()
	l := &racingLog{Memory: replog.NewMemory()}
	o, id, codec := setup(t, l)
	dup := signedRecord(t, codec, id.SignPrivate, 1, engine.CmdPlayerJoin)
	l.before = [][]byte{dup}

	_, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), string(envelope.ReasonSequenceMismatch))

	_, records, err := replog.ReadAll(ctx, l)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dup, records[0])

	// The next command continues after the racing record.
	w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Envelope.Seq)
	assert.Equal(t, 1, w.Index)
}

// TestRejectedCommandStaysWhenNotTail verifies a rejected command that is no
// longer the tail stays.
func TestRejectedCommandStaysWhenNotTail(t *testing.T) {
	ctx := context.Background()
	l := &racingLog{Memory: replog.NewMemory()}
	o, id, codec := setup(t, l)
	other, err := identity.New(testSession)
	require.NoError(t, err)
	l.before = [][]byte{signedRecord(t, codec, id.SignPrivate, 1, engine.CmdPlayerJoin)}
	l.after = [][]byte{signedRecord(t, codec, other.SignPrivate, 1, engine.CmdPlayerJoin)}

	_, err = o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	require.ErrorIs(t, err, ErrRejected)
	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Envelope.Seq)
	assert.Equal(t, 3, w.Index)
}

// TestBuildErrorAppendsNothing verifies a build failure leaves the log
// untouched.
func TestBuildErrorAppendsNothing(t *testing.T) {
	ctx := context.Background()
	l := replog.NewMemory()
	o, _, _ := setup(t, l)
	boom := errors.New("boom")

	_, err := o.Enqueue(ctx, engine.CmdZoneSetHidden, func(context.Context) (payload.Payloads, error) {
		return payload.Payloads{}, boom
	})
	require.ErrorIs(t, err, boom)
	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.Envelope.Seq)
}

// TestEnqueueAfterClose verifies enqueueing on a closed outbox fails.
func TestEnqueueAfterClose(t *testing.T) {
	o, _, _ := setup(t, replog.NewMemory())
	o.Close()
	_, err := o.Enqueue(context.Background(), engine.CmdGlobalCounterAdd, counter("c"))
	assert.ErrorIs(t, err, ErrClosed)
}

// TestEnqueueCancelled verifies an already cancelled context appends nothing.
func TestEnqueueCancelled(t *testing.T) {
	o, _, _ := setup(t, replog.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	assert.ErrorIs(t, err, context.Canceled)
}

// TestNewRejectsBadKey verifies a malformed signing key is refused.
func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(replog.NewMemory(), nil, ed25519.PrivateKey("x"), nil)
	assert.Error(t, err)
}

// TestSeqResumesAfterCompaction verifies a writer opened on a log whose prefix
// was dropped continues from the seq its covering snapshot recorded.
func TestSeqResumesAfterCompaction(t *testing.T) {
	ctx := context.Background()
	l := replog.NewMemory()
	first, id, codec := setup(t, l)
	for i := 0; i < 3; i++ {
		_, err := first.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
		require.NoError(t, err)
	}
	first.Close()

	_, records, err := replog.ReadAll(ctx, l)
	require.NoError(t, err)
	st, meta, err := replay.NewReplayer(codec, nil, 2, nil).FromGenesis(ctx, records)
	require.NoError(t, err)
	owner, err := id.OwnerSealer()
	require.NoError(t, err)
	snap, err := snapshot.Build(st, meta, snapshot.Author{ActorID: id.ActorID, Owner: owner})
	require.NoError(t, err)
	snap, err = snapshot.Sign(codec, snap, id.SignPrivate)
	require.NoError(t, err)
	raw, err := snapshot.Encode(snap)
	require.NoError(t, err)
	_, err = l.Append(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, l.Compact(ctx, 3))

	resumed, err := New(l, codec, id.SignPrivate, nil)
	require.NoError(t, err)
	defer resumed.Close()
	w, err := resumed.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), w.Envelope.Seq)
	assert.Equal(t, 4, w.Index)

	base, records, err := replog.ReadAll(ctx, l)
	require.NoError(t, err)
	found, ok := snapshot.Newest(records, base, codec, "")
	require.True(t, ok)
	st, meta = snapshot.Load(found.Snapshot, engine.Nobody{})
	require.NoError(t, replay.NewReplayer(codec, nil, 2, nil).Replay(ctx, st, &meta, records[meta.Index-base:], nil))
	assert.Equal(t, uint64(4), meta.LastSeq[id.ActorID])
	assert.Equal(t, 5, meta.Index)
}

// TestSeqNeedsSnapshotAfterCompaction verifies a compacted log without a
// covering snapshot is reported instead of restarting at seq 1.
func TestSeqNeedsSnapshotAfterCompaction(t *testing.T) {
	ctx := context.Background()
	l := replog.NewMemory()
	first, id, codec := setup(t, l)
	_, err := first.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
	require.NoError(t, err)
	first.Close()
	require.NoError(t, l.Compact(ctx, 1))

	resumed, err := New(l, codec, id.SignPrivate, nil)
	require.NoError(t, err)
	defer resumed.Close()
	_, err = resumed.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("d"))
	assert.ErrorIs(t, err, replog.ErrCompacted)
	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// gatedLog holds every Append until release is closed and signals entered
// when the first one arrives.
type gatedLog struct {
	*replog.Memory
	entered chan struct{}
	release chan struct{}
}

func newGatedLog() *gatedLog {
	return &gatedLog{Memory: replog.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedLog) Append(ctx context.Context, rec []byte) (int, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Memory.Append(ctx, rec)
}

// TestCancelDuringWriteReportsResult verifies a caller that gives up while its
// command is being written still learns that it was accepted.
func TestCancelDuringWriteReportsResult(t *testing.T) {
	l := newGatedLog()
	o, _, _ := setup(t, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		w   Written
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		w, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("c"))
		done <- outcome{w, err}
	}()
	<-l.entered
	cancel()
	close(l.release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, uint64(1), got.w.Envelope.Seq)
	n, err := l.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestCancelWhileQueuedAppendsNothing verifies a command abandoned before the
// writer reached it is never written.
func TestCancelWhileQueuedAppendsNothing(t *testing.T) {
	l := newGatedLog()
	o, _, _ := setup(t, l)
	bg := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.Enqueue(bg, engine.CmdGlobalCounterAdd, counter("c"))
		done <- err
	}()
	<-l.entered

	ctx, cancel := context.WithCancel(bg)
	cancel()
	_, err := o.Enqueue(ctx, engine.CmdGlobalCounterAdd, counter("d"))
	assert.ErrorIs(t, err, context.Canceled)

	close(l.release)
	require.NoError(t, <-done)
	w, err := o.Enqueue(bg, engine.CmdGlobalCounterAdd, counter("e"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Envelope.Seq)
	assert.Equal(t, 1, w.Index)
}
