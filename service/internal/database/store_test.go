package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the identity store contract against s.
func exerciseStore(t *testing.T, s identity.Store) {
	t.Helper()
	ctx := context.Background()
	session := "test-" + uuid.NewString()

	_, err := s.Get(ctx, session)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	require.NoError(t, s.Set(ctx, session, []byte("first")))
	require.NoError(t, s.Set(ctx, session, []byte("second")))
	got, err := s.Get(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, s.Delete(ctx, session))
	_, err = s.Get(ctx, session)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	// Persisted identities survive a new manager.
	id, err := identity.NewManager(s, nil).GetOrCreate(ctx, session)
	require.NoError(t, err)
	assert.False(t, id.Ephemeral)
	again, err := identity.NewManager(s, nil).GetOrCreate(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, id.ActorID, again.ActorID)
}

// TestSQLiteIdentityStore verifies the SQLite store sets, gets and deletes
// blobs.
func TestSQLiteIdentityStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identities.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

// TestSQLiteIdentityStoreReopen verifies blobs persist across a reopen of the
// database file.
func TestSQLiteIdentityStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identities.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "session-1", []byte("blob")))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(got))
}

// Needs a running Postgres; set DRAWSPELL_TEST_DATABASE_URL to enable.
func TestPostgresIdentityStore(t *testing.T) {
	url := os.Getenv("DRAWSPELL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DRAWSPELL_TEST_DATABASE_URL not set")
	}
	pool, err := ConnectPostgres(context.Background(), url)
	require.NoError(t, err)
	defer pool.Close()

	exerciseStore(t, NewPostgresIdentityStore(pool))
}
