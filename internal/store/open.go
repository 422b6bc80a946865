package store

import (
	"context"
	"fmt"
)

// Options selects and configures a concrete backend.
type Options struct {
	// Backend is one of "memory", "file", "keyring", "1password",
	// "vault", "sqlite".
	Backend string

	// Path locates the store file for the "file" and "sqlite" backends.
	Path string

	// Passphrase protects the "file" and "sqlite" backends.
	Passphrase string

	// Vault configures the "vault" backend.
	Vault VaultOptions

	// OnePasswordVault names the vault for the "1password" backend.
	OnePasswordVault string
}

// Open constructs the configured backend. Backend unavailability (missing
// CLI, unreachable server, wrong passphrase) is reported here so the
// daemon can refuse to start.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(opts.Path, opts.Passphrase)
	case "keyring":
		return NewKeyringStore()
	case "1password":
		return NewOnePasswordStore(ctx, opts.OnePasswordVault)
	case "vault":
		return NewVaultStore(ctx, opts.Vault)
	case "sqlite":
		return NewSQLiteStore(opts.Path, opts.Passphrase)
	default:
		return nil, fmt.Errorf("unknown credential store backend %q", opts.Backend)
	}
}
