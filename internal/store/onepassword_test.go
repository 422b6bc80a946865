package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpItemTitleRoundTrip(t *testing.T) {
	title := opItemTitle("ms-teams", "client_secret")
	assert.Equal(t, "aquaman:ms-teams:client_secret", title)

	ref, ok := parseOpTitle(title)
	require.True(t, ok)
	assert.Equal(t, Ref{Service: "ms-teams", Key: "client_secret"}, ref)
}

func TestParseOpTitleRejectsForeignItems(t *testing.T) {
	for _, title := range []string{"Personal Login", "aquaman:only-two", "other:svc:key", ""} {
		_, ok := parseOpTitle(title)
		assert.False(t, ok, "title %q", title)
	}
}

func TestEncodeOpNotes(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	notes, err := encodeOpNotes(&Metadata{
		Source:    "cli",
		CreatedAt: created,
		Extra:     map[string]string{"rotation": "quarterly", "owner": "platform"},
	})
	require.NoError(t, err)
	assert.Equal(t, "source=cli\ncreated_at=2025-06-01T12:00:00Z\nowner=platform\nrotation=quarterly", notes)
}

func TestEncodeOpNotesNilMeta(t *testing.T) {
	notes, err := encodeOpNotes(nil)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestEncodeOpNotesRejectsUnsafeKeys(t *testing.T) {
	for _, key := range []string{"has space", "semi;colon", "dash-key", "=x", ""} {
		_, err := encodeOpNotes(&Metadata{Extra: map[string]string{key: "v"}})
		assert.Error(t, err, "metadata key %q", key)
	}
}

func TestParseOpError(t *testing.T) {
	err := parseOpError([]byte(`[ERROR] you are not currently signed in`), "item get")
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Contains(t, be.Fix, "op signin")

	err = parseOpError([]byte(`"aquaman:svc:key" isn't an item`), "item get")
	assert.ErrorIs(t, err, ErrNotFound)

	err = parseOpError([]byte(`"Missing" isn't a vault`), "item list")
	require.True(t, errors.As(err, &be))
	assert.Contains(t, be.Fix, "op vault list")
}
