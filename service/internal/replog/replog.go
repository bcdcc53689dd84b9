// Package replog is the replicated log the command protocol runs over: an
// ordered, append-only sequence of opaque records readable by index.
//
// The transport that replicates the log between peers lives outside this
// module. Memory and Redis implementations are provided for local use and
// tests.
package replog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCompacted is returned when a read reaches below the log's base.
var ErrCompacted = errors.New("replog: records were compacted")

// Log is an append-only record sequence. Indices are absolute: compaction by
// the transport drops a prefix but never renumbers the records that remain.
type Log interface {
	// Base returns the index of the first retained record.
	Base(ctx context.Context) (int, error)
	// Len returns the index one past the last record.
	Len(ctx context.Context) (int, error)
	// Range returns records [start, end). start must not be below Base.
	Range(ctx context.Context, start, end int) ([][]byte, error)
	// Append adds rec at the tail and returns its index.
	Append(ctx context.Context, rec []byte) (int, error)
	// RemoveLastIf removes the tail record only if it sits at index and is
	// byte-equal to rec. It reports whether a record was removed.
	RemoveLastIf(ctx context.Context, index int, rec []byte) (bool, error)
}

// ReadAll returns the base of l and every retained record. A compaction
// that lands between the two reads is retried.
func ReadAll(ctx context.Context, l Log) (int, [][]byte, error) {
	for {
		base, err := l.Base(ctx)
		if err != nil {
			return 0, nil, err
		}
		n, err := l.Len(ctx)
		if err != nil {
			return 0, nil, err
		}
		records, err := l.Range(ctx, base, n)
		if errors.Is(err, ErrCompacted) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		return base, records, nil
	}
}

// Memory is an in-process Log.
type Memory struct {
	mu      sync.RWMutex
	base    int
	records [][]byte
}

// NewMemory returns an empty log, optionally seeded with records.
func NewMemory(records ...[]byte) *Memory {
	m := &Memory{}
	for _, r := range records {
		m.records = append(m.records, bytes.Clone(r))
	}
	return m
}

func (m *Memory) Base(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base + len(m.records), nil
}

func (m *Memory) Range(_ context.Context, start, end int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if start < m.base {
		return nil, fmt.Errorf("%w: range [%d, %d) starts below base %d", ErrCompacted, start, end, m.base)
	}
	if end > m.base+len(m.records) || start > end {
		return nil, fmt.Errorf("replog: range [%d, %d) out of bounds (len %d)", start, end, m.base+len(m.records))
	}
	out := make([][]byte, 0, end-start)
	for _, r := range m.records[start-m.base : end-m.base] {
		out = append(out, bytes.Clone(r))
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, rec []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, bytes.Clone(rec))
	return m.base + len(m.records) - 1, nil
}

func (m *Memory) RemoveLastIf(_ context.Context, index int, rec []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := len(m.records) - 1
	if last < 0 || m.base+last != index || !bytes.Equal(m.records[last], rec) {
		return false, nil
	}
	m.records = m.records[:last]
	return true, nil
}

// Compact drops every record below upTo, the way a transport does once a
// snapshot covers them.
func (m *Memory) Compact(_ context.Context, upTo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upTo > m.base+len(m.records) {
		return fmt.Errorf("replog: compact to %d past len %d", upTo, m.base+len(m.records))
	}
	if upTo <= m.base {
		return nil
	}
	m.records = append([][]byte(nil), m.records[upTo-m.base:]...)
	m.base = upTo
	return nil
}
