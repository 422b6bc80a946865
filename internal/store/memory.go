package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps credentials in process memory. It is used by tests and
// when explicitly selected in configuration; it is never a silent fallback
// for a failing real backend.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[Ref]memoryRecord
}

type memoryRecord struct {
	value string
	meta  Metadata
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[Ref]memoryRecord)}
}

// Get returns the credential value, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.creds[Ref{Service: service, Key: key}]
	if !ok {
		return "", ErrNotFound
	}
	return rec.value, nil
}

// Set creates or overwrites a credential.
func (s *MemoryStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := memoryRecord{value: value}
	if meta != nil {
		rec.meta = *meta
	}
	s.creds[Ref{Service: service, Key: key}] = rec
	return nil
}

// Delete removes a credential, reporting whether one existed.
func (s *MemoryStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := Ref{Service: service, Key: key}
	_, ok := s.creds[ref]
	delete(s.creds, ref)
	return ok, nil
}

// List returns all stored refs, optionally filtered to one service.
func (s *MemoryStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]Ref, 0, len(s.creds))
	for ref := range s.creds {
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
func (s *MemoryStore) Exists(_ context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.creds[Ref{Service: service, Key: key}]
	return ok, nil
}
