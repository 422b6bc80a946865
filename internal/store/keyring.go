package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// keyringService is the application identifier under which all aquaman
// entries live in the OS credential store.
const keyringService = "aquaman"

// keyringIndexAccount is the reserved account that holds the credential
// index. OS keyrings cannot enumerate entries, so the index is maintained
// alongside the values. The leading underscore keeps it out of the safe
// name space, so no (service, key) pair can collide with it.
const keyringIndexAccount = "_index"

// KeyringStore persists credentials in the host OS keyring (macOS Keychain,
// Windows Credential Manager, or a Secret Service implementation on Linux).
// Each (service, key) maps to one entry whose account is "service:key".
type KeyringStore struct {
	// mu serializes index read-modify-write cycles. Value reads go
	// straight to the keyring.
	mu sync.Mutex
}

type keyringIndexEntry struct {
	Ref  Ref       `json:"ref"`
	Meta *Metadata `json:"meta,omitempty"`
}

// NewKeyringStore creates a keyring-backed store, probing the OS keyring so
// an unusable backend (headless Linux without a Secret Service, locked
// keychain) fails at startup rather than on first request.
func NewKeyringStore() (*KeyringStore, error) {
	// Reading a nonexistent index is the cheapest operation that still
	// exercises the platform backend.
	if _, err := keyring.Get(keyringService, keyringIndexAccount); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, &BackendError{
			Backend: "keyring",
			Reason:  fmt.Sprintf("OS keyring unavailable: %v", err),
			Fix:     "On Linux, install a Secret Service provider (gnome-keyring or kwallet), or select a different backend with store.backend in the config file.",
		}
	}
	return &KeyringStore{}, nil
}

func keyringAccount(service, key string) string {
	return service + ":" + key
}

// Get returns the credential value, or ErrNotFound.
func (s *KeyringStore) Get(_ context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	value, err := keyring.Get(keyringService, keyringAccount(service, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring entry: %w", err)
	}
	return value, nil
}

// Set creates or overwrites a credential and updates the index.
func (s *KeyringStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(keyringService, keyringAccount(service, key), value); err != nil {
		return fmt.Errorf("writing keyring entry: %w", err)
	}

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	ref := Ref{Service: service, Key: key}
	index[ref.String()] = keyringIndexEntry{Ref: ref, Meta: meta}
	return s.writeIndex(index)
}

// Delete removes a credential, reporting whether one existed.
func (s *KeyringStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := keyring.Delete(keyringService, keyringAccount(service, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting keyring entry: %w", err)
	}

	index, err := s.readIndex()
	if err != nil {
		return true, err
	}
	delete(index, Ref{Service: service, Key: key}.String())
	return true, s.writeIndex(index)
}

// List returns all stored refs from the index, optionally filtered.
func (s *KeyringStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(index))
	for _, entry := range index {
		if service != "" && entry.Ref.Service != service {
			continue
		}
		refs = append(refs, entry.Ref)
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
func (s *KeyringStore) Exists(ctx context.Context, service, key string) (bool, error) {
	_, err := s.Get(ctx, service, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// readIndex loads the credential index. Callers must hold s.mu.
func (s *KeyringStore) readIndex() (map[string]keyringIndexEntry, error) {
	raw, err := keyring.Get(keyringService, keyringIndexAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return make(map[string]keyringIndexEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring index: %w", err)
	}
	index := make(map[string]keyringIndexEntry)
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	return index, nil
}

// writeIndex persists the credential index. Callers must hold s.mu.
func (s *KeyringStore) writeIndex(index map[string]keyringIndexEntry) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding keyring index: %w", err)
	}
	if err := keyring.Set(keyringService, keyringIndexAccount, string(raw)); err != nil {
		return fmt.Errorf("writing keyring index: %w", err)
	}
	return nil
}
