package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func TestAppendAndTail(t *testing.T) {
	l, _ := openTestLog(t)

	_, err := l.LogCredentialAccess("proxy", "req_1_abc123def456", CredentialAccess{
		Service:   "anthropic",
		Operation: "get",
		Success:   true,
	})
	require.NoError(t, err)

	records, err := l.Tail(1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, TypeCredentialAccess, records[0].Type)
	assert.Equal(t, ZeroHash, records[0].PrevHash)

	var data CredentialAccess
	require.NoError(t, json.Unmarshal(records[0].Data, &data))
	assert.Equal(t, "anthropic", data.Service)
	assert.True(t, data.Success)
}

func TestChainLinks(t *testing.T) {
	l, _ := openTestLog(t)

	var hashes []string
	for i := 0; i < 5; i++ {
		rec, err := l.Append("test", map[string]int{"n": i})
		require.NoError(t, err)
		hashes = append(hashes, rec.Hash)
	}

	records, err := l.Tail(5)
	require.NoError(t, err)
	require.Len(t, records, 5)

	assert.Equal(t, ZeroHash, records[0].PrevHash)
	for i := 1; i < 5; i++ {
		assert.Equal(t, hashes[i-1], records[i].PrevHash, "record %d", i)
	}
}

func TestVerifyIntegrityClean(t *testing.T) {
	l, _ := openTestLog(t)
	for i := 0; i < 20; i++ {
		_, err := l.Append("test", map[string]int{"n": i})
		require.NoError(t, err)
	}

	bad, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	l, dir := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append("test", map[string]int{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "current.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	lines[2] = strings.Replace(lines[2], `"n":2`, `"n":99`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	bad, err := VerifyFile(path, ZeroHash)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, bad)
}

func TestVerifyIgnoresPartialTrailingLine(t *testing.T) {
	l, dir := openTestLog(t)
	_, err := l.Append("test", map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "current.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-01-01T00:00:0`) // torn write
	require.NoError(t, err)
	require.NoError(t, f.Close())

	bad, err := VerifyFile(path, ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	rec, err := l.Append("test", map[string]string{"phase": "one"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	rec2, err := l2.Append("test", map[string]string{"phase": "two"})
	require.NoError(t, err)

	assert.Equal(t, rec.Hash, rec2.PrevHash, "reopened log must continue the chain")

	bad, err := l2.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestRotate(t *testing.T) {
	l, dir := openTestLog(t)
	last := ""
	for i := 0; i < 3; i++ {
		rec, err := l.Append("test", map[string]int{"n": i})
		require.NoError(t, err)
		last = rec.Hash
	}

	require.NoError(t, l.Rotate())

	// Fresh chain starts from the zero hash.
	rec, err := l.Append("test", map[string]string{"phase": "fresh"})
	require.NoError(t, err)
	assert.Equal(t, ZeroHash, rec.PrevHash)

	archives := l.Archives()
	require.Len(t, archives, 1)
	assert.Equal(t, last, archives[0].FinalHash)

	// The archive verifies on its own from the zero hash.
	bad, err := VerifyFile(filepath.Join(dir, archives[0].File), ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, bad)

	// And the archive file is on disk.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var archived bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit-") {
			archived = true
		}
	}
	assert.True(t, archived, "rotation must leave an archive file")
}

func TestFileMode(t *testing.T) {
	l, dir := openTestLog(t)
	_, err := l.Append("test", nil)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "current.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestTailMoreThanAvailable(t *testing.T) {
	l, _ := openTestLog(t)
	_, err := l.Append("test", nil)
	require.NoError(t, err)

	records, err := l.Tail(50)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConcurrentAppends(t *testing.T) {
	l, _ := openTestLog(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 25; j++ {
				if _, err := l.Append("test", map[string]int{"worker": worker, "n": j}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	bad, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.Empty(t, bad)

	records, err := l.Tail(200)
	require.NoError(t, err)
	assert.Len(t, records, 200)
}
