// Package outbox is the local writer of one session. Commands are built,
// signed and appended by a single goroutine, so concurrent callers can never
// race on seq assignment.
package outbox

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/payload"
	"github.com/hansy/drawspell-sub000/service/internal/replog"
	"github.com/hansy/drawspell-sub000/service/internal/snapshot"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRejected is returned when an appended command fails its own
	// re-verification. The wrapped error names the reason.
	ErrRejected = errors.New("outbox: command rejected")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("outbox: closed")
)

// BuildFunc builds the payloads of a command. It runs on the writer
// goroutine, after earlier commands of the session were appended.
type BuildFunc func(ctx context.Context) (payload.Payloads, error)

// Written is a command that was appended and passed re-verification.
type Written struct {
	Index    int
	Envelope envelope.Envelope
}

// Job states. A queued job is claimed exactly once, either by the writer or
// by a caller that stopped waiting.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	typ   engine.CommandType
	build BuildFunc
	reply chan result
	state atomic.Int32
}

type result struct {
	w   Written
	err error
}

// Outbox serializes the local commands of one session.
type Outbox struct {
	log    replog.Log
	codec  *envelope.Codec
	signer ed25519.PrivateKey
	actor  string
	logger *logrus.Entry

	jobs   chan *job
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	// Owned by the writer goroutine.
	scanned int
	lastSeq uint64
}

// New starts the writer of a session. signer is the local identity's
// signing key.
func New(l replog.Log, codec *envelope.Codec, signer ed25519.PrivateKey, logger *logrus.Entry) (*Outbox, error) {
	if len(signer) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key")
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	actor := keys.ActorID(signer.Public().(ed25519.PublicKey))
	o := &Outbox{
		log:    l,
		codec:  codec,
		signer: signer,
		actor:  actor,
		logger: logger.WithFields(logrus.Fields{"component": "outbox", "actorId": actor}),
		jobs:   make(chan *job, 64),
		quit:   make(chan struct{}),
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop()
	}()
	return o, nil
}

// ActorID returns the actor the outbox writes as.
func (o *Outbox) ActorID() string { return o.actor }

// Enqueue queues a command and waits until it was appended and re-verified.
// Commands run in the order they were enqueued. When ctx is done before the
// writer picked the command up, nothing is appended and ctx.Err() is
// returned. A command already being written is finished and its result
// returned, so an error always means the command was not accepted.
func (o *Outbox) Enqueue(ctx context.Context, typ engine.CommandType, build BuildFunc) (Written, error) {
	if o.closed.Load() {
		return Written{}, ErrClosed
	}
	j := &job{ctx: ctx, typ: typ, build: build, reply: make(chan result, 1)}
	select {
	case o.jobs <- j:
	case <-o.quit:
		return Written{}, ErrClosed
	case <-ctx.Done():
		return Written{}, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.w, r.err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return Written{}, ctx.Err()
		}
		r := <-j.reply
		return r.w, r.err
	}
}

// Close stops the writer after the command in progress. Queued commands
// that did not start fail with ErrClosed.
func (o *Outbox) Close() {
	o.once.Do(func() {
		o.closed.Store(true)
		close(o.quit)
	})
	o.wg.Wait()
}

func (o *Outbox) loop() {
	for {
		select {
		case <-o.quit:
			o.drain()
			return
		case j := <-o.jobs:
			if !j.state.CompareAndSwap(jobQueued, jobStarted) {
				continue
			}
			w, err := o.write(j)
			j.reply <- result{w: w, err: err}
		}
	}
}

func (o *Outbox) drain() {
	for {
		select {
		case j := <-o.jobs:
			j.reply <- result{err: ErrClosed}
		default:
			return
		}
	}
}

// write runs a started job to completion. Cancelling the caller no longer
// stops it.
func (o *Outbox) write(j *job) (Written, error) {
	if err := j.ctx.Err(); err != nil {
		return Written{}, err
	}
	ctx := context.WithoutCancel(j.ctx)
	n, err := o.log.Len(ctx)
	if err != nil {
		return Written{}, fmt.Errorf("read log: %w", err)
	}
	if err := o.scan(ctx, n); err != nil {
		return Written{}, err
	}
	seq := o.lastSeq + 1

	p, err := j.build(ctx)
	if err != nil {
		return Written{}, fmt.Errorf("build %s payload: %w", j.typ, err)
	}
	env := envelope.Envelope{Seq: seq, Type: j.typ}
	p.Into(&env)
	env, err = o.codec.BuildAndSign(env, o.signer)
	if err != nil {
		return Written{}, err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return Written{}, fmt.Errorf("encode envelope: %w", err)
	}
	index, err := o.log.Append(ctx, raw)
	if err != nil {
		return Written{}, fmt.Errorf("append: %w", err)
	}

	log := o.logger.WithFields(logrus.Fields{"index": index, "envelopeId": env.ID, "seq": seq, "type": j.typ})
	if reason, ok := o.check(ctx, index, raw); !ok {
		o.retract(ctx, log, index, raw)
		log.WithField("reason", reason).Warn("Appended command failed verification")
		return Written{}, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	o.lastSeq = seq
	o.scanned = index + 1
	log.Debug("Command appended")
	return Written{Index: index, Envelope: env}, nil
}

// scan advances the writer's view of its own accepted seq over records
// [scanned, n), using the same acceptance rule as the replay fold.
func (o *Outbox) scan(ctx context.Context, n int) error {
	if n < o.scanned {
		o.scanned, o.lastSeq = 0, 0
	}
	if n == o.scanned {
		return nil
	}
	records, err := o.log.Range(ctx, o.scanned, n)
	if errors.Is(err, replog.ErrCompacted) {
		if err := o.rebase(ctx); err != nil {
			return err
		}
		if o.scanned >= n {
			return nil
		}
		records, err = o.log.Range(ctx, o.scanned, n)
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	for _, raw := range records {
		o.accept(raw)
	}
	o.scanned = n
	return nil
}

// rebase restarts the scan at the newest snapshot of a compacted log. The
// snapshot records the writer's last accepted seq at the position it covers.
func (o *Outbox) rebase(ctx context.Context) error {
	base, records, err := replog.ReadAll(ctx, o.log)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	found, ok := snapshot.Newest(records, base, o.codec, "")
	if !ok {
		return fmt.Errorf("%w: no valid snapshot covers the first %d records", replog.ErrCompacted, base)
	}
	o.scanned = found.Snapshot.UpToIndex
	o.lastSeq = found.Snapshot.PublicState.LastSeq[o.actor]
	o.logger.WithFields(logrus.Fields{"base": base, "upToIndex": o.scanned, "seq": o.lastSeq}).Info("Resumed seq from snapshot")
	return nil
}

func (o *Outbox) accept(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil || env.ActorID != o.actor || env.Seq != o.lastSeq+1 {
		return
	}
	if o.codec.Verify(env, envelope.VerifyOptions{ExpectedActorID: o.actor}).OK {
		o.lastSeq = env.Seq
	}
}

// check re-reads the record at index and verifies it as a replica would.
// Records another writer appended before it are folded into the scan first.
func (o *Outbox) check(ctx context.Context, index int, raw []byte) (envelope.Reason, bool) {
	if err := o.scan(ctx, index); err != nil {
		return envelope.ReasonInvalidEnvelope, false
	}
	got, err := o.log.Range(ctx, index, index+1)
	if err != nil || len(got) != 1 || !bytes.Equal(got[0], raw) {
		return envelope.ReasonInvalidEnvelope, false
	}
	env, err := envelope.Decode(got[0])
	if err != nil {
		return envelope.ReasonInvalidEnvelope, false
	}
	res := o.codec.Verify(env, envelope.VerifyOptions{
		ExpectedSeq:     o.lastSeq + 1,
		ExpectedActorID: o.actor,
	})
	return res.Reason, res.OK
}

// retract removes the rejected record only if it is still the tail. A record
// that others appended after stays in the log.
func (o *Outbox) retract(ctx context.Context, log *logrus.Entry, index int, raw []byte) {
	removed, err := o.log.RemoveLastIf(context.WithoutCancel(ctx), index, raw)
	switch {
	case err != nil:
		log.WithError(err).Warn("Could not retract rejected command")
	case !removed:
		log.Warn("Rejected command is no longer the log tail, leaving it in place")
	}
	o.scanned = index
}
