// Package replay folds the replicated log into game state for one viewer.
//
// Every record is re-verified on every pass. Records that fail to decode,
// fail verification or arrive out of sequence are skipped; the fold never
// stops on a bad record.
package replay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Meta is the fold bookkeeping carried next to the state.
type Meta struct {
	// Index is the log index of the next record to fold.
	Index int `json:"index"`
	// LastSeq is the last accepted seq per actor.
	LastSeq map[string]uint64 `json:"lastSeq"`
	// LogHash chains every folded record, valid or not.
	LogHash string `json:"logHash"`
}

// NewMeta returns the bookkeeping of an empty log.
func NewMeta() Meta {
	return Meta{LastSeq: make(map[string]uint64)}
}

// Clone returns a copy of m that shares nothing with it.
func (m Meta) Clone() Meta {
	out := m
	out.LastSeq = make(map[string]uint64, len(m.LastSeq))
	for k, v := range m.LastSeq {
		out.LastSeq[k] = v
	}
	return out
}

// ChainHash extends prev, a hex hash or "" for the empty log, with raw.
// Records are hashed in canonical form when they parse as JSON.
func ChainHash(prev string, raw []byte) string {
	h := sha256.New()
	if p, err := hex.DecodeString(prev); err == nil {
		h.Write(p)
	}
	if canon, err := envelope.CanonicalizeJSON(raw); err == nil {
		h.Write(canon)
	} else {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome reports what the fold did with one record.
type Outcome struct {
	Index    int
	ID       string
	ActorID  string
	Seq      uint64
	Type     engine.CommandType
	Applied  bool
	Snapshot bool
	Verify   envelope.Reason
	Skip     engine.SkipReason
}

// Reason returns the skip reason, or "" when the record was applied.
func (o Outcome) Reason() string {
	if o.Verify != "" {
		return string(o.Verify)
	}
	return string(o.Skip)
}

// prepared is a record decoded and verified without the sequence check,
// which depends on the fold position.
type prepared struct {
	env      envelope.Envelope
	result   envelope.Result
	snapshot bool
}

// IsSnapshot reports whether raw is a snapshot record rather than a command.
func IsSnapshot(raw []byte) bool {
	var head struct {
		UpToIndex *json.RawMessage `json:"upToIndex"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(&head) == nil && head.UpToIndex != nil
}

func prepare(codec *envelope.Codec, raw []byte) prepared {
	if IsSnapshot(raw) {
		return prepared{snapshot: true}
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return prepared{result: envelope.Fail(envelope.ReasonInvalidEnvelope)}
	}
	return prepared{env: env, result: codec.Verify(env, envelope.VerifyOptions{})}
}

func fold(st *engine.State, meta *Meta, raw []byte, p prepared, v engine.Viewer) Outcome {
	if meta.LastSeq == nil {
		meta.LastSeq = make(map[string]uint64)
	}
	out := Outcome{
		Index:    meta.Index,
		ID:       p.env.ID,
		ActorID:  p.env.ActorID,
		Seq:      p.env.Seq,
		Type:     p.env.Type,
		Snapshot: p.snapshot,
	}
	meta.LogHash = ChainHash(meta.LogHash, raw)
	meta.Index++
	if p.snapshot {
		return out
	}
	if !p.result.OK {
		out.Verify = p.result.Reason
		return out
	}
	if p.env.Seq != meta.LastSeq[p.env.ActorID]+1 {
		out.Verify = envelope.ReasonSequenceMismatch
		return out
	}
	meta.LastSeq[p.env.ActorID] = p.env.Seq
	res := st.Apply(p.env.Command(), v)
	out.Applied = res.Applied
	out.Skip = res.Reason
	return out
}

// ApplyCommandLog folds one record at meta.Index into st.
func ApplyCommandLog(st *engine.State, meta *Meta, raw []byte, codec *envelope.Codec, v engine.Viewer) Outcome {
	return fold(st, meta, raw, prepare(codec, raw), v)
}

// Replayer folds batches of records, verifying them in parallel ahead of the
// sequential fold.
type Replayer struct {
	codec   *envelope.Codec
	viewer  engine.Viewer
	workers int
	log     *logrus.Entry
}

// NewReplayer returns a replayer for viewer. workers bounds the verification
// goroutines; values below 1 mean 1.
func NewReplayer(codec *envelope.Codec, viewer engine.Viewer, workers int, log *logrus.Entry) *Replayer {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if viewer == nil {
		viewer = engine.Nobody{}
	}
	return &Replayer{
		codec:   codec,
		viewer:  viewer,
		workers: workers,
		log:     log.WithField("component", "replay"),
	}
}

// Viewer returns the viewer the replayer folds for.
func (r *Replayer) Viewer() engine.Viewer { return r.viewer }

// Replay folds records, which start at meta.Index, into st. onOutcome, if
// set, is called after each record in log order. Only a cancelled context
// stops the pass; st and meta then reflect the records folded so far.
func (r *Replayer) Replay(ctx context.Context, st *engine.State, meta *Meta, records [][]byte, onOutcome func(Outcome)) error {
	pre := make([]prepared, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, raw := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pre[i] = prepare(r.codec, raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := fold(st, meta, raw, pre[i], r.viewer)
		r.report(out)
		if onOutcome != nil {
			onOutcome(out)
		}
	}
	return nil
}

// FromGenesis folds a whole log into a fresh state.
func (r *Replayer) FromGenesis(ctx context.Context, records [][]byte) (*engine.State, Meta, error) {
	st := engine.NewState()
	meta := NewMeta()
	err := r.Replay(ctx, st, &meta, records, nil)
	return st, meta, err
}

func (r *Replayer) report(out Outcome) {
	if out.Applied || out.Snapshot {
		return
	}
	entry := r.log.WithFields(logrus.Fields{
		"index":      out.Index,
		"envelopeId": out.ID,
		"actorId":    out.ActorID,
		"type":       out.Type,
		"reason":     out.Reason(),
	})
	if out.Verify != "" {
		entry.Warn("Skipping envelope")
		return
	}
	entry.Debug("Command had no effect")
}
