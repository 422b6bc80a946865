package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite" // SQLite driver registration
)

// sqliteVerifierPlain is the known plaintext sealed into the meta table at
// creation. Decrypting it proves the passphrase before any credential is
// touched, so a wrong passphrase is reported distinctly and immediately.
const sqliteVerifierPlain = "aquaman-store-v1"

// SQLiteStore persists credentials in a passphrase-protected SQLite
// database file. The database itself is plain SQLite; every credential
// value is sealed with an AEAD key derived from the passphrase, and the
// ciphertext is bound to its (service, key) so rows cannot be swapped.
// The file is auto-created with mode 0600 on first use.
type SQLiteStore struct {
	db   *sql.DB
	aead cipher.AEAD

	// writeMu serializes writes; reads go through the sql.DB pool.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path and verifies the
// passphrase against the stored verifier.
func NewSQLiteStore(path, passphrase string) (*SQLiteStore, error) {
	if passphrase == "" {
		return nil, &BackendError{
			Backend: "sqlite",
			Reason:  "empty passphrase",
			Fix:     "Set store.passphrase in the config file or the AQUAMAN_STORE_PASSPHRASE environment variable.",
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("opening database: %v", err)}
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("enabling WAL mode: %v", err)}
	}
	if err := createCredentialTables(db); err != nil {
		db.Close()
		return nil, &BackendError{Backend: "sqlite", Reason: err.Error()}
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restricting database mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.unlock(passphrase, path); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func createCredentialTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			service    TEXT NOT NULL,
			key        TEXT NOT NULL,
			nonce      BLOB NOT NULL,
			value      BLOB NOT NULL,
			source     TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (service, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %v", err)
	}
	return nil
}

// unlock derives the AEAD key and checks (or installs) the verifier row.
func (s *SQLiteStore) unlock(passphrase, path string) error {
	var salt []byte
	err := s.db.QueryRow(`SELECT v FROM meta WHERE k = 'salt'`).Scan(&salt)
	newStore := err == sql.ErrNoRows
	if err != nil && !newStore {
		return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("reading salt: %v", err)}
	}

	if newStore {
		salt = make([]byte, fileSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
	}

	aead, err := newFileAEAD([]byte(passphrase), salt)
	if err != nil {
		return err
	}
	s.aead = aead

	if newStore {
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("generating nonce: %w", err)
		}
		verifier := aead.Seal(nil, nonce, []byte(sqliteVerifierPlain), nil)
		tx, err := s.db.Begin()
		if err != nil {
			return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("starting transaction: %v", err)}
		}
		for k, v := range map[string][]byte{"salt": salt, "verifier_nonce": nonce, "verifier": verifier} {
			if _, err := tx.Exec(`INSERT INTO meta (k, v) VALUES (?, ?)`, k, v); err != nil {
				tx.Rollback()
				return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("writing %s: %v", k, err)}
			}
		}
		return tx.Commit()
	}

	var nonce, verifier []byte
	if err := s.db.QueryRow(`SELECT v FROM meta WHERE k = 'verifier_nonce'`).Scan(&nonce); err != nil {
		return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("reading verifier nonce: %v", err)}
	}
	if err := s.db.QueryRow(`SELECT v FROM meta WHERE k = 'verifier'`).Scan(&verifier); err != nil {
		return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("reading verifier: %v", err)}
	}
	plain, err := s.aead.Open(nil, nonce, verifier, nil)
	if err != nil || string(plain) != sqliteVerifierPlain {
		return &WrongPassphraseError{Path: path}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the credential value, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	var nonce, sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT nonce, value FROM credentials WHERE service = ? AND key = ?
	`, service, key).Scan(&nonce, &sealed)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("reading credential: %v", err)}
	}
	plain, err := s.aead.Open(nil, nonce, sealed, []byte(service+"/"+key))
	if err != nil {
		return "", &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("decrypting %s/%s: row corrupted or tampered", service, key)}
	}
	return string(plain), nil
}

// Set creates or overwrites a credential.
func (s *SQLiteStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(value), []byte(service+"/"+key))

	source := ""
	createdAt := time.Now().UTC()
	if meta != nil {
		source = meta.Source
		if !meta.CreatedAt.IsZero() {
			createdAt = meta.CreatedAt.UTC()
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (service, key, nonce, value, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, key) DO UPDATE SET
			nonce = excluded.nonce,
			value = excluded.value,
			source = excluded.source,
			created_at = excluded.created_at
	`, service, key, nonce, sealed, source, createdAt.Format(time.RFC3339))
	if err != nil {
		return &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("writing credential: %v", err)}
	}
	return nil
}

// Delete removes a credential, reporting whether one existed.
func (s *SQLiteStore) Delete(ctx context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials WHERE service = ? AND key = ?
	`, service, key)
	if err != nil {
		return false, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("deleting credential: %v", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("deleting credential: %v", err)}
	}
	return n > 0, nil
}

// List returns all stored refs, optionally filtered to one service.
func (s *SQLiteStore) List(ctx context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}
	query := `SELECT service, key FROM credentials ORDER BY service, key`
	args := []any{}
	if service != "" {
		query = `SELECT service, key FROM credentials WHERE service = ? ORDER BY service, key`
		args = append(args, service)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("listing credentials: %v", err)}
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.Service, &ref.Key); err != nil {
			return nil, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("scanning credential: %v", err)}
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Exists reports whether a credential is stored for (service, key).
func (s *SQLiteStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM credentials WHERE service = ? AND key = ?
	`, service, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &BackendError{Backend: "sqlite", Reason: fmt.Sprintf("checking credential: %v", err)}
	}
	return true, nil
}
