package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// fileMagic identifies the encrypted store format, versioned so the KDF or
// AEAD can change without silently misreading old files.
var fileMagic = []byte("AQMN1")

const fileSaltSize = 16

// Argon2id parameters. Chosen for interactive use on a developer machine;
// the passphrase gates a local file, not a network service.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// FileStore persists credentials in a single passphrase-encrypted file.
//
// The whole store is one blob: chacha20poly1305(argon2id(passphrase, salt),
// canonical JSON of the record map). On first read the decrypted map is
// cached for the process lifetime; every write re-encrypts and atomically
// replaces the file (temp file, fsync, rename) with mode 0600.
type FileStore struct {
	path string
	pass []byte

	mu    sync.RWMutex
	creds map[string]fileRecord // "service/key" -> record, nil until loaded
}

type fileRecord struct {
	Value string   `json:"value"`
	Meta  Metadata `json:"meta,omitempty"`
}

// NewFileStore opens (or prepares to create) an encrypted credential file.
// A missing file is an empty store; a present file is decrypted immediately
// so a wrong passphrase fails at startup rather than on first request.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, &BackendError{
			Backend: "encrypted-file",
			Reason:  "empty passphrase",
			Fix:     "Set store.passphrase in the config file or the AQUAMAN_STORE_PASSPHRASE environment variable.",
		}
	}
	s := &FileStore{path: path, pass: []byte(passphrase)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads and decrypts the store file into the in-memory cache.
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.creds = make(map[string]fileRecord)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading credential store: %w", err)
	}

	if len(blob) < len(fileMagic)+fileSaltSize+chacha20poly1305.NonceSizeX {
		return &WrongPassphraseError{Path: s.path}
	}
	if string(blob[:len(fileMagic)]) != string(fileMagic) {
		return fmt.Errorf("unrecognized credential store format in %s", s.path)
	}
	blob = blob[len(fileMagic):]

	salt := blob[:fileSaltSize]
	nonce := blob[fileSaltSize : fileSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := blob[fileSaltSize+chacha20poly1305.NonceSizeX:]

	aead, err := newFileAEAD(s.pass, salt)
	if err != nil {
		return err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, fileMagic)
	if err != nil {
		return &WrongPassphraseError{Path: s.path}
	}

	creds := make(map[string]fileRecord)
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return fmt.Errorf("decoding credential store: %w", err)
	}
	s.creds = creds
	return nil
}

// flush re-encrypts the cache and atomically replaces the store file.
// Callers must hold s.mu.
func (s *FileStore) flush() error {
	plaintext, err := json.Marshal(s.creds)
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}

	salt := make([]byte, fileSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	aead, err := newFileAEAD(s.pass, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 0, len(fileMagic)+len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, fileMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, fileMagic)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating credential store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".aquaman-store-*")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting store file mode: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

func newFileAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return aead, nil
}

// Get returns the credential value, or ErrNotFound.
func (s *FileStore) Get(_ context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.creds[service+"/"+key]
	if !ok {
		return "", ErrNotFound
	}
	return rec.Value, nil
}

// Set creates or overwrites a credential and rewrites the encrypted file.
func (s *FileStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := fileRecord{Value: value}
	if meta != nil {
		rec.Meta = *meta
	}
	if rec.Meta.CreatedAt.IsZero() {
		rec.Meta.CreatedAt = time.Now().UTC()
	}
	prev, had := s.creds[service+"/"+key]
	s.creds[service+"/"+key] = rec
	if err := s.flush(); err != nil {
		// Keep cache consistent with the file on failed writes.
		if had {
			s.creds[service+"/"+key] = prev
		} else {
			delete(s.creds, service+"/"+key)
		}
		return err
	}
	return nil
}

// Delete removes a credential, reporting whether one existed.
func (s *FileStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.creds[service+"/"+key]
	if !ok {
		return false, nil
	}
	delete(s.creds, service+"/"+key)
	if err := s.flush(); err != nil {
		s.creds[service+"/"+key] = rec
		return false, err
	}
	return true, nil
}

// List returns all stored refs, optionally filtered to one service.
func (s *FileStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]Ref, 0, len(s.creds))
	for id := range s.creds {
		ref, ok := splitRefID(id)
		if !ok {
			continue
		}
		if service != "" && ref.Service != service {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Service != refs[j].Service {
			return refs[i].Service < refs[j].Service
		}
		return refs[i].Key < refs[j].Key
	})
	return refs, nil
}

// Exists reports whether a credential is stored for (service, key).
func (s *FileStore) Exists(_ context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.creds[service+"/"+key]
	return ok, nil
}

// splitRefID parses a "service/key" map key back into a Ref. Keys never
// contain "/" so the first separator is unambiguous.
func splitRefID(id string) (Ref, bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return Ref{Service: id[:i], Key: id[i+1:]}, true
		}
	}
	return Ref{}, false
}
