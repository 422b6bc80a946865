package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitStderrLevels(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")

	out := buf.String()
	if strings.Contains(out, "debug msg") || strings.Contains(out, "info msg") {
		t.Errorf("non-verbose stderr should suppress debug/info, got %q", out)
	}
	if !strings.Contains(out, "warn msg") {
		t.Errorf("stderr should contain warnings, got %q", out)
	}
}

func TestInitVerbose(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Verbose: true, Stderr: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Debug("debug msg", "k", "v")
	if !strings.Contains(buf.String(), "debug msg") {
		t.Errorf("verbose stderr should contain debug, got %q", buf.String())
	}
}

func TestFileHandlerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf, DebugDir: dir}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Debug("to file", "key", "value")
	Close()

	path := filepath.Join(dir, time.Now().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading debug log: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("debug log line is not JSON: %v", err)
	}
	if rec["msg"] != "to file" {
		t.Errorf("msg = %v, want %q", rec["msg"], "to file")
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2001-01-01.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	Cleanup(dir, 7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log file should have been removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-log file should be untouched")
	}
}
