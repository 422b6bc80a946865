package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := NewSQLiteStore(path, "test passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	testRoundTrip(t, s)
}

func TestSQLiteStoreNameSafety(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	testNameSafety(t, s)
}

func TestSQLiteStoreMode(t *testing.T) {
	_, path := newTestSQLiteStore(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	s, path := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "telegram", "bot_token", "123:ABC", nil))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, "test passphrase")
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "telegram", "bot_token")
	require.NoError(t, err)
	assert.Equal(t, "123:ABC", got)
}

func TestSQLiteStoreWrongPassphrase(t *testing.T) {
	s, path := newTestSQLiteStore(t)
	require.NoError(t, s.Set(context.Background(), "svc", "key", "v", nil))
	require.NoError(t, s.Close())

	_, err := NewSQLiteStore(path, "not the passphrase")
	require.Error(t, err)

	var wrong *WrongPassphraseError
	assert.True(t, errors.As(err, &wrong), "want WrongPassphraseError, got %T: %v", err, err)
}

func TestSQLiteStoreEmptyPassphrase(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "c.db"), "")
	require.Error(t, err)
}
