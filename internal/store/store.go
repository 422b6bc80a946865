// Package store provides pluggable credential storage.
//
// A credential is an opaque UTF-8 string addressed by (service, key). Six
// backends implement the same interface: an in-memory map, a
// passphrase-encrypted file, the native OS keyring, the 1Password CLI, a
// Vault server (KV v2), and a passphrase-protected SQLite database.
//
// Get may be called concurrently from many request handlers; every backend
// is safe for concurrent use. Writes are infrequent and serialize internally.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech4242/aquaman/internal/name"
)

// ErrNotFound is returned by Get when no credential exists for the
// requested (service, key). It is distinct from backend failures: a store
// that cannot be reached never reports ErrNotFound.
var ErrNotFound = errors.New("credential not found")

// Ref identifies a stored credential.
type Ref struct {
	Service string `json:"service"`
	Key     string `json:"key"`
}

func (r Ref) String() string { return r.Service + "/" + r.Key }

// Metadata accompanies a stored credential. The proxy never consults it;
// it exists for operator tooling.
type Metadata struct {
	Source    string            `json:"source,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Store is the credential storage contract shared by all backends.
type Store interface {
	// Get returns the credential value, or ErrNotFound.
	Get(ctx context.Context, service, key string) (string, error)

	// Set creates or overwrites a credential. meta may be nil.
	Set(ctx context.Context, service, key, value string, meta *Metadata) error

	// Delete removes a credential, reporting whether one existed.
	Delete(ctx context.Context, service, key string) (bool, error)

	// List returns all stored refs, filtered to one service when
	// service is non-empty.
	List(ctx context.Context, service string) ([]Ref, error)

	// Exists reports whether a credential is stored for (service, key).
	Exists(ctx context.Context, service, key string) (bool, error)
}

// validateRef rejects names that could escape a storage root or reach an
// external tool unquoted. Every backend calls this before composing a
// filesystem path, URL path, CLI argument, or database name.
func validateRef(service, key string) error {
	if err := name.ValidateService(service); err != nil {
		return err
	}
	return name.ValidateKey(key)
}

// validateServiceFilter validates the optional List filter.
func validateServiceFilter(service string) error {
	if service == "" {
		return nil
	}
	return name.ValidateService(service)
}

// BackendError reports a credential backend that cannot serve requests,
// with actionable context. It is never conflated with ErrNotFound.
type BackendError struct {
	Backend string
	Reason  string
	Fix     string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Backend, e.Reason)
	if e.Fix != "" {
		msg += "\n\n  " + e.Fix
	}
	return msg
}

// WrongPassphraseError reports a decryption failure caused by an incorrect
// passphrase (or a tampered store file).
type WrongPassphraseError struct {
	Path string
}

func (e *WrongPassphraseError) Error() string {
	return fmt.Sprintf("wrong passphrase for credential store %s (or the file is corrupted)", e.Path)
}
