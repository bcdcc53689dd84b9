package game

import (
	"context"
	"fmt"
	"time"

	"github.com/hansy/drawspell-sub000/service/internal/snapshot"
	"github.com/sirupsen/logrus"
)

// noteSnapshot resets the policy clock when a valid snapshot from any
// participant is folded, so replicas do not all compact the same prefix.
func (s *Session) noteSnapshot(raw []byte) {
	snap, err := snapshot.Decode(raw)
	if err != nil || !snapshot.Validate(s.codec, snap, "").OK {
		return
	}
	if snap.UpToIndex > s.lastSnapIx {
		s.lastSnapIx = snap.UpToIndex
		s.lastSnapAt = time.UnixMilli(snap.TS)
	}
}

// MaybeSnapshot appends a snapshot when the policy says one is due. It
// reports whether one was written.
func (s *Session) MaybeSnapshot(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return false, err
	}
	if !s.policy.Due(s.meta.Index, s.lastSnapIx, s.lastSnapAt, s.now()) {
		return false, nil
	}
	if _, err := s.snapshotLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot appends a snapshot of the current projection and returns the log
// index it was written at.
func (s *Session) Snapshot(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return 0, err
	}
	return s.snapshotLocked(ctx)
}

func (s *Session) snapshotLocked(ctx context.Context) (int, error) {
	snap, err := snapshot.Build(s.st, s.meta, s.author)
	if err != nil {
		return 0, err
	}
	snap.TS = s.now().UnixMilli()
	if snap, err = snapshot.Sign(s.codec, snap, s.id.SignPrivate); err != nil {
		return 0, err
	}
	raw, err := snapshot.Encode(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	index, err := s.log.Append(ctx, raw)
	if err != nil {
		return 0, fmt.Errorf("append snapshot: %w", err)
	}
	s.lastSnapIx = snap.UpToIndex
	s.lastSnapAt = time.UnixMilli(snap.TS)
	s.logger.WithFields(logrus.Fields{
		"snapshotId": snap.ID,
		"index":      index,
		"upToIndex":  snap.UpToIndex,
	}).Info("Snapshot written")
	return index, nil
}
