// Package game is the session facade: it opens a session over a replicated
// log, keeps the local projection in sync, and writes local commands with
// correctly split payloads.
package game

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/hansy/drawspell-sub000/service/internal/invite"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/outbox"
	"github.com/hansy/drawspell-sub000/service/internal/payload"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
	"github.com/hansy/drawspell-sub000/service/internal/replog"
	"github.com/hansy/drawspell-sub000/service/internal/snapshot"
	"github.com/sirupsen/logrus"
)

// StateFn receives the projection after each applied envelope. st is a copy
// the consumer may keep. It runs with the session locked and must not call
// back into the session.
type StateFn func(st *engine.State, out replay.Outcome)

// Options configures Open.
type Options struct {
	SessionID string
	Role      engine.Role
	// Keys are the session secrets. A player's SpectatorKey is only used to
	// write the spectator copy of its own hand.
	Keys       invite.SessionKeys
	Log        replog.Log
	Identities *identity.Manager
	Policy     snapshot.Policy
	Workers    int
	OnState    StateFn
	Logger     *logrus.Entry
	Now        func() time.Time
}

// Session is one participant's live view of a session.
type Session struct {
	ID   string
	Role engine.Role

	id       *identity.Identity
	log      replog.Log
	codec    *envelope.Codec
	viewer   *replay.Viewer
	replayer *replay.Replayer
	outbox   *outbox.Outbox
	keyring  payload.Keyring
	author   snapshot.Author
	policy   snapshot.Policy
	onState  StateFn
	logger   *logrus.Entry
	now      func() time.Time

	mu         sync.Mutex
	st         *engine.State
	meta       replay.Meta
	lastSnapAt time.Time
	lastSnapIx int
	lastRaw    []byte
}

// Open starts a session. The projection is restored from the newest valid
// snapshot in the log, if any, and the remaining records are folded.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Log == nil {
		return nil, errors.New("game: log is required")
	}
	if opts.Role == "" {
		opts.Role = engine.RolePlayer
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Identities == nil {
		opts.Identities = identity.NewManager(nil, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.WithFields(logrus.Fields{"component": "game", "sessionId": opts.SessionID})

	id, err := opts.Identities.GetOrCreate(ctx, opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	codec, err := envelope.NewCodec(opts.SessionID, opts.Keys.PlayerKey)
	if err != nil {
		return nil, err
	}

	var viewerSpectatorKey []byte
	if opts.Role == engine.RoleSpectator {
		viewerSpectatorKey = opts.Keys.SpectatorKey
	}
	vc, err := replay.ContextFor(id, opts.Role, opts.Keys.PlayerKey, viewerSpectatorKey)
	if err != nil {
		return nil, err
	}
	viewer, err := replay.NewViewer(vc)
	if err != nil {
		return nil, err
	}

	owner, err := id.OwnerSealer()
	if err != nil {
		return nil, err
	}
	var spectator *keys.Sealer
	if len(opts.Keys.SpectatorKey) > 0 {
		key, err := keys.DeriveSpectatorKey(opts.Keys.SpectatorKey, opts.SessionID)
		if err != nil {
			return nil, err
		}
		if spectator, err = keys.NewSealer(key, opts.SessionID); err != nil {
			return nil, err
		}
	}
	author := snapshot.Author{ActorID: id.ActorID, Owner: owner}
	if opts.Role == engine.RoleSpectator {
		author.Spectator = spectator
	}

	ob, err := outbox.New(opts.Log, codec, id.SignPrivate, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       opts.SessionID,
		Role:     opts.Role,
		id:       id,
		log:      opts.Log,
		codec:    codec,
		viewer:   viewer,
		replayer: replay.NewReplayer(codec, viewer, opts.Workers, logger),
		outbox:   ob,
		keyring:  payload.Keyring{SessionID: opts.SessionID, Owner: owner, Spectator: spectator},
		author:   author,
		policy:   opts.Policy,
		onState:  opts.OnState,
		logger:   logger.WithField("actorId", id.ActorID),
		now:      opts.Now,
	}
	if err := s.restore(ctx); err != nil {
		ob.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx)
}

// restoreLocked rebuilds the projection from the newest snapshot and folds
// everything after it.
func (s *Session) restoreLocked(ctx context.Context) error {
	base, records, err := replog.ReadAll(ctx, s.log)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	s.lastSnapIx, s.lastRaw = 0, nil
	s.st, s.meta = engine.NewState(), replay.NewMeta()
	s.lastSnapAt = s.now()
	found, ok := snapshot.Newest(records, base, s.codec, "")
	if !ok && base > 0 {
		return fmt.Errorf("%w: no valid snapshot covers the first %d records", replog.ErrCompacted, base)
	}
	if ok {
		snap := found.Snapshot
		s.st, s.meta = snapshot.Load(snap, s.viewer)
		s.lastSnapIx = snap.UpToIndex
		s.lastSnapAt = time.UnixMilli(snap.TS)
		s.logger.WithFields(logrus.Fields{
			"snapshotId": snap.ID,
			"upToIndex":  snap.UpToIndex,
			"author":     snap.ActorID,
		}).Info("Restored from snapshot")
	}
	return s.foldLocked(ctx, records[s.meta.Index-base:])
}

// ActorID returns the local participant's actor id.
func (s *Session) ActorID() string { return s.id.ActorID }

// Identity returns the local participant's identity.
func (s *Session) Identity() *identity.Identity { return s.id }

// Sync folds records appended since the last pass.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Session) syncLocked(ctx context.Context) error {
	base, err := s.log.Base(ctx)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	n, err := s.log.Len(ctx)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if n < s.meta.Index || base > s.meta.Index {
		return s.rebuildLocked(ctx, n)
	}
	if n == 0 {
		return nil
	}
	// The last folded record must still be in place, unless compaction
	// already dropped it.
	from := s.meta.Index
	if s.meta.Index > base {
		from--
	}
	records, err := s.log.Range(ctx, from, n)
	if errors.Is(err, replog.ErrCompacted) {
		return s.rebuildLocked(ctx, n)
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if from < s.meta.Index {
		if len(records) == 0 || !bytes.Equal(records[0], s.lastRaw) {
			return s.rebuildLocked(ctx, n)
		}
		records = records[1:]
	}
	return s.foldLocked(ctx, records)
}

// rebuildLocked replays from the newest snapshot after a folded tail record
// was retracted, or after compaction passed the folded position.
func (s *Session) rebuildLocked(ctx context.Context, n int) error {
	s.logger.WithFields(logrus.Fields{"folded": s.meta.Index, "length": n}).Warn("Folded records changed, rebuilding projection")
	return s.restoreLocked(ctx)
}

func (s *Session) foldLocked(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	base := s.meta.Index
	defer func() {
		if s.meta.Index > base {
			s.lastRaw = records[s.meta.Index-base-1]
		}
	}()
	return s.replayer.Replay(ctx, s.st, &s.meta, records, func(out replay.Outcome) {
		if out.Snapshot {
			s.noteSnapshot(records[out.Index-base])
			return
		}
		if out.Applied && s.onState != nil {
			s.onState(s.st.Clone(), out)
		}
	})
}

// Close stops the local writer. The session must not be used afterwards.
func (s *Session) Close() {
	s.outbox.Close()
}
