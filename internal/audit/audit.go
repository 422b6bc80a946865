// Package audit provides a tamper-evident, hash-chained request log.
//
// Records are appended as canonical JSON lines to current.jsonl in the
// audit directory. Each record carries the previous record's hash, and its
// own hash covers the previous hash plus the canonical encoding of the
// record body, so any edit, reorder, or deletion breaks the chain. The
// first record of each file chains from the all-zeroes hash; rotation
// archives the file and records its final hash in a sidecar for
// cross-file verification.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ZeroHash is the prevHash of the first record in a chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// currentName is the active log file inside the audit directory.
const currentName = "current.jsonl"

// stateName is the sidecar recording archived chains and their final
// hashes.
const stateName = "state.json"

// TypeCredentialAccess is the record type emitted by the request pipeline.
const TypeCredentialAccess = "credential_access"

// Record is one hash-chained audit line.
//
// Hash = hex(SHA-256(prevHashHex || canonicalJSON({timestamp,type,data}))).
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// CredentialAccess is the data payload of a credential_access record.
type CredentialAccess struct {
	Component string `json:"component"`
	RequestID string `json:"request_id,omitempty"`
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// recordBody is the canonical hashing shape. Field order is fixed by the
// struct, and Data is raw JSON, so the encoding is byte-stable across
// append and verification.
type recordBody struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// line is the full on-disk shape with the timestamp kept as its original
// string so re-encoding for verification is byte-exact.
type line struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// ArchiveRef records a rotated file and the final hash of its chain.
type ArchiveRef struct {
	File      string `json:"file"`
	FinalHash string `json:"final_hash"`
}

// state is the sidecar shape.
type state struct {
	LastHash string       `json:"last_hash"`
	Archives []ArchiveRef `json:"archives,omitempty"`
}

// Log is an append-only hash-chained audit log with a single serialized
// writer. All methods are safe for concurrent use.
type Log struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	prevHash string
	archives []ArchiveRef

	// writeFailures counts append errors; the HTTP response is never
	// altered by an audit failure, so the counter is the only signal
	// besides stderr.
	writeFailures atomic.Uint64
}

// Open opens (or creates) the audit log in dir. The running hash is
// recovered by scanning the current file, so a sidecar lost in a crash
// never breaks the chain.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}

	l := &Log{dir: dir, prevHash: ZeroHash}

	if data, err := os.ReadFile(l.statePath()); err == nil {
		var st state
		if err := json.Unmarshal(data, &st); err == nil {
			l.archives = st.Archives
		}
	}

	if last, ok, err := lastCompleteHash(l.currentPath()); err != nil {
		return nil, err
	} else if ok {
		l.prevHash = last
	}

	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l.file = f

	if err := l.writeState(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) currentPath() string { return filepath.Join(l.dir, currentName) }
func (l *Log) statePath() string   { return filepath.Join(l.dir, stateName) }

// Close flushes state and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeState(); err != nil {
		return err
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// WriteFailures returns the number of failed appends since Open.
func (l *Log) WriteFailures() uint64 { return l.writeFailures.Load() }

// Append adds one record to the chain and returns it. The line is written
// whole and flushed before the running hash advances, so a crash can lose
// at most a partial trailing line, which the verifier ignores.
func (l *Log) Append(eventType string, data any) (*Record, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		l.writeFailures.Add(1)
		return nil, fmt.Errorf("marshaling audit data: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.writeFailures.Add(1)
		return nil, fmt.Errorf("audit log is closed")
	}

	ts := time.Now().UTC()
	body := recordBody{
		Timestamp: ts.Format(time.RFC3339Nano),
		Type:      eventType,
		Data:      dataJSON,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		l.writeFailures.Add(1)
		return nil, fmt.Errorf("marshaling audit record: %w", err)
	}

	hash := chainHash(l.prevHash, bodyJSON)
	full := line{
		Timestamp: body.Timestamp,
		Type:      eventType,
		Data:      dataJSON,
		PrevHash:  l.prevHash,
		Hash:      hash,
	}
	lineJSON, err := json.Marshal(full)
	if err != nil {
		l.writeFailures.Add(1)
		return nil, fmt.Errorf("marshaling audit line: %w", err)
	}
	lineJSON = append(lineJSON, '\n')

	if _, err := l.file.Write(lineJSON); err != nil {
		l.writeFailures.Add(1)
		return nil, fmt.Errorf("appending audit record: %w", err)
	}

	rec := &Record{
		Timestamp: ts,
		Type:      eventType,
		Data:      dataJSON,
		PrevHash:  l.prevHash,
		Hash:      hash,
	}
	l.prevHash = hash
	return rec, nil
}

// LogCredentialAccess appends a credential_access record. component names
// the emitting subsystem and requestID ties the record to one request.
func (l *Log) LogCredentialAccess(component, requestID string, data CredentialAccess) (*Record, error) {
	data.Component = component
	data.RequestID = requestID
	return l.Append(TypeCredentialAccess, data)
}

// Tail returns the last n complete records of the current file.
func (l *Log) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	path := l.currentPath()
	l.mu.Unlock()

	lines, _, err := readCompleteLines(path)
	if err != nil {
		return nil, err
	}
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}

	records := make([]Record, 0, len(lines))
	for _, raw := range lines {
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, ln.Timestamp)
		records = append(records, Record{
			Timestamp: ts,
			Type:      ln.Type,
			Data:      ln.Data,
			PrevHash:  ln.PrevHash,
			Hash:      ln.Hash,
		})
	}
	return records, nil
}

// VerifyIntegrity streams the current file, recomputes every hash, and
// checks chain continuity. It returns the 1-indexed numbers of offending
// lines; an empty result means the chain is intact. A partial trailing
// line (torn write) is ignored.
func (l *Log) VerifyIntegrity() ([]int, error) {
	l.mu.Lock()
	path := l.currentPath()
	l.mu.Unlock()
	return VerifyFile(path, ZeroHash)
}

// VerifyFile verifies one chain file starting from the given hash.
// Exported so offline tooling can verify archives against the sidecar.
func VerifyFile(path, startHash string) ([]int, error) {
	lines, _, err := readCompleteLines(path)
	if err != nil {
		return nil, err
	}

	var bad []int
	prev := startHash
	for i, raw := range lines {
		num := i + 1
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			bad = append(bad, num)
			continue
		}
		body := recordBody{Timestamp: ln.Timestamp, Type: ln.Type, Data: ln.Data}
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			bad = append(bad, num)
			continue
		}
		if ln.PrevHash != prev || ln.Hash != chainHash(ln.PrevHash, bodyJSON) {
			bad = append(bad, num)
			// Resynchronize on the stored hash so one bad line is
			// reported once instead of cascading to every successor.
			prev = ln.Hash
			continue
		}
		prev = ln.Hash
	}
	return bad, nil
}

// Rotate archives the current file under a timestamped name, records its
// final hash in the sidecar, and starts a fresh chain from the zero hash.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing audit log for rotation: %w", err)
	}
	l.file = nil

	stamp := time.Now().UTC().Format("20060102T150405Z")
	archive := fmt.Sprintf("audit-%s.jsonl", stamp)
	if _, err := os.Stat(filepath.Join(l.dir, archive)); err == nil {
		archive = fmt.Sprintf("audit-%s-%s.jsonl", stamp, l.prevHash[:8])
	}
	if err := os.Rename(l.currentPath(), filepath.Join(l.dir, archive)); err != nil {
		return fmt.Errorf("archiving audit log: %w", err)
	}

	l.archives = append(l.archives, ArchiveRef{File: archive, FinalHash: l.prevHash})
	l.prevHash = ZeroHash

	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening fresh audit log: %w", err)
	}
	l.file = f
	return l.writeState()
}

// Archives returns the rotated chain files and their final hashes.
func (l *Log) Archives() []ArchiveRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ArchiveRef, len(l.archives))
	copy(out, l.archives)
	return out
}

// writeState persists the sidecar. Callers must hold l.mu.
func (l *Log) writeState() error {
	st := state{LastHash: l.prevHash, Archives: l.archives}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding audit state: %w", err)
	}
	if err := os.WriteFile(l.statePath(), append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing audit state: %w", err)
	}
	return nil
}

// chainHash computes hex(SHA-256(prevHashHex || body)).
func chainHash(prevHash string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// lastCompleteHash returns the hash of the final complete line of a chain
// file, if any.
func lastCompleteHash(path string) (string, bool, error) {
	lines, _, err := readCompleteLines(path)
	if err != nil || len(lines) == 0 {
		return "", false, err
	}
	var ln line
	if err := json.Unmarshal(lines[len(lines)-1], &ln); err != nil {
		return "", false, nil
	}
	if ln.Hash == "" {
		return "", false, nil
	}
	return ln.Hash, true, nil
}

// readCompleteLines returns the newline-terminated lines of a file and
// whether a partial trailing line was present. A missing file reads as
// empty.
func readCompleteLines(path string) ([][]byte, bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	partial := false
	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadBytes('\n')
		if err == nil {
			trimmed := bytes.TrimRight(raw, "\n")
			if len(strings.TrimSpace(string(trimmed))) > 0 {
				lines = append(lines, trimmed)
			}
			continue
		}
		if err != io.EOF {
			return nil, false, fmt.Errorf("reading audit log: %w", err)
		}
		// EOF without a newline: torn write, ignored.
		if len(bytes.TrimSpace(raw)) > 0 {
			partial = true
		}
		break
	}
	return lines, partial, nil
}
