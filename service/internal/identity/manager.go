package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by a Store when no identity is stored for a
// session.
var ErrNotFound = errors.New("identity: not found")

// Store is durable per-session storage of identity blobs.
type Store interface {
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Set(ctx context.Context, sessionID string, blob []byte) error
	Delete(ctx context.Context, sessionID string) error
}

// Manager hands out one identity per session, persisting it on first use.
// Storage failures degrade to an in-memory identity for the process lifetime.
type Manager struct {
	store Store
	log   *logrus.Entry

	mu     sync.Mutex
	loaded map[string]*Identity
}

// NewManager returns a manager over store. A nil store keeps identities in
// memory only.
func NewManager(store Store, log *logrus.Entry) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		store:  store,
		log:    log.WithField("component", "identity"),
		loaded: make(map[string]*Identity),
	}
}

// GetOrCreate returns the identity of sessionID, creating and persisting it
// when none exists. Repeated calls return the same identity. The error is set
// only when key generation itself fails.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.loaded[sessionID]; ok {
		return id, nil
	}

	log := m.log.WithField("sessionId", sessionID)
	stored, err := m.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		id, decodeErr := FromBytes(stored)
		if decodeErr == nil && id.SessionID == sessionID {
			m.loaded[sessionID] = id
			return id, nil
		}
		log.WithError(decodeErr).Warn("Stored identity is unreadable, replacing it")
	case errors.Is(err, ErrNotFound):
	default:
		id, genErr := New(sessionID)
		if genErr != nil {
			return nil, genErr
		}
		log.WithError(err).Warn("Identity store unavailable, using in-memory identity")
		id.Ephemeral = true
		m.loaded[sessionID] = id
		return id, nil
	}

	id, err := New(sessionID)
	if err != nil {
		return nil, err
	}
	blob, err := id.Bytes()
	if err == nil {
		err = m.store.Set(ctx, sessionID, blob)
	}
	if err != nil {
		log.WithError(err).Warn("Could not persist identity, using in-memory identity")
		id.Ephemeral = true
	}
	m.loaded[sessionID] = id
	return id, nil
}

// Forget drops the identity of sessionID from memory and from the store.
func (m *Manager) Forget(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.loaded, sessionID)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[sessionID] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, sessionID)
	return nil
}
