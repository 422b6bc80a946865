package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// opItemPrefix is the first segment of every item title managed by aquaman.
// Titles are colon-separated triples ("aquaman:<service>:<key>"); service
// names and keys cannot contain colons, so the mapping is unambiguous.
const opItemPrefix = "aquaman"

// opTag marks aquaman-managed items so List never touches unrelated items
// in a shared vault.
const opTag = "aquaman"

// opMetaKeyRe is the strict identifier pattern for metadata key names
// written into an item's notes field. Anything else is rejected before the
// CLI is invoked.
var opMetaKeyRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// OnePasswordStore persists credentials as items in a 1Password vault via
// the op CLI. The CLI is invoked with argument vectors only (never a
// shell), and secret values travel over stdin, not argv.
type OnePasswordStore struct {
	vault string
	// mu serializes writes; concurrent reads spawn independent processes.
	mu sync.Mutex
}

// NewOnePasswordStore creates a 1Password-backed store. It verifies at
// construction that the op CLI is installed and signed in; a daemon must
// not start against a backend that cannot serve its first request.
func NewOnePasswordStore(ctx context.Context, vault string) (*OnePasswordStore, error) {
	if vault == "" {
		vault = "Private"
	}
	if _, err := exec.LookPath("op"); err != nil {
		return nil, &BackendError{
			Backend: "1Password",
			Reason:  "op CLI not found in PATH",
			Fix:     "Install from https://1password.com/downloads/command-line/\nThen run: op signin",
		}
	}

	cmd := exec.CommandContext(ctx, "op", "whoami", "--format", "json")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, parseOpError(stderr.Bytes(), "")
	}
	return &OnePasswordStore{vault: vault}, nil
}

func opItemTitle(service, key string) string {
	return opItemPrefix + ":" + service + ":" + key
}

// parseOpTitle splits an item title back into its ref. Returns false for
// items not managed by aquaman.
func parseOpTitle(title string) (Ref, bool) {
	parts := strings.SplitN(title, ":", 3)
	if len(parts) != 3 || parts[0] != opItemPrefix {
		return Ref{}, false
	}
	return Ref{Service: parts[1], Key: parts[2]}, true
}

// run executes op with the given arguments, returning stdout.
func (s *OnePasswordStore) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "op", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		return nil, parseOpError(stderr.Bytes(), strings.Join(args[:2], " "))
	}
	return stdout.Bytes(), nil
}

// Get returns the credential value, or ErrNotFound.
func (s *OnePasswordStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	out, err := s.run(ctx, nil, "item", "get", opItemTitle(service, key),
		"--vault", s.vault, "--fields", "label=password", "--reveal")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// opItemTemplate is the JSON shape piped to `op item create`.
type opItemTemplate struct {
	Title    string        `json:"title"`
	Category string        `json:"category"`
	Vault    opVaultRef    `json:"vault"`
	Tags     []string      `json:"tags"`
	Fields   []opItemField `json:"fields"`
}

type opVaultRef struct {
	Name string `json:"name"`
}

type opItemField struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
	Label   string `json:"label"`
	Value   string `json:"value"`
}

// Set creates or overwrites a credential item. The item JSON (including
// the secret value) is piped over stdin so it never appears in a process
// listing.
func (s *OnePasswordStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	notes, err := encodeOpNotes(meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// op item create has no upsert; replace any existing item first.
	title := opItemTitle(service, key)
	if _, err := s.run(ctx, nil, "item", "delete", title, "--vault", s.vault); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	tmpl := opItemTemplate{
		Title:    title,
		Category: "PASSWORD",
		Vault:    opVaultRef{Name: s.vault},
		Tags:     []string{opTag},
		Fields: []opItemField{
			{ID: "password", Type: "CONCEALED", Purpose: "PASSWORD", Label: "password", Value: value},
		},
	}
	if notes != "" {
		tmpl.Fields = append(tmpl.Fields, opItemField{
			ID: "notesPlain", Type: "STRING", Purpose: "NOTES", Label: "notesPlain", Value: notes,
		})
	}
	stdin, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encoding item template: %w", err)
	}
	_, err = s.run(ctx, stdin, "item", "create", "--vault", s.vault, "-")
	return err
}

// Delete removes a credential item, reporting whether one existed.
func (s *OnePasswordStore) Delete(ctx context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.run(ctx, nil, "item", "delete", opItemTitle(service, key), "--vault", s.vault)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all aquaman-managed refs, filtered by the aquaman tag.
func (s *OnePasswordStore) List(ctx context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, nil, "item", "list", "--vault", s.vault, "--tags", opTag, "--format", "json")
	if err != nil {
		return nil, err
	}
	var items []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, fmt.Errorf("decoding op item list: %w", err)
	}

	var refs []Ref
	for _, item := range items {
		ref, ok := parseOpTitle(item.Title)
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

// Exists reports whether a credential item exists for (service, key).
func (s *OnePasswordStore) Exists(ctx context.Context, service, key string) (bool, error) {
	_, err := s.Get(ctx, service, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// encodeOpNotes renders metadata as key=value lines for the notes field.
// Key names are validated against a strict identifier pattern; an
// unexpected key name never reaches the CLI.
func encodeOpNotes(meta *Metadata) (string, error) {
	if meta == nil {
		return "", nil
	}
	var lines []string
	if meta.Source != "" {
		lines = append(lines, "source="+meta.Source)
	}
	if !meta.CreatedAt.IsZero() {
		lines = append(lines, "created_at="+meta.CreatedAt.UTC().Format(time.RFC3339))
	}
	keys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		if !opMetaKeyRe.MatchString(k) {
			return "", fmt.Errorf("invalid metadata key %q: must match %s", k, opMetaKeyRe.String())
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+"="+meta.Extra[k])
	}
	return strings.Join(lines, "\n"), nil
}

// parseOpError converts op CLI stderr to typed errors.
func parseOpError(stderr []byte, operation string) error {
	msg := string(stderr)

	if strings.Contains(msg, "not currently signed in") || strings.Contains(msg, "not signed in") {
		return &BackendError{
			Backend: "1Password",
			Reason:  "not signed in",
			Fix:     "Run: eval $(op signin)\n\nOr for CI/automation, set OP_SERVICE_ACCOUNT_TOKEN.",
		}
	}

	if strings.Contains(msg, "isn't an item") || strings.Contains(msg, "could not be found") {
		return ErrNotFound
	}

	if strings.Contains(msg, "isn't a vault") || (strings.Contains(msg, "vault") && strings.Contains(msg, "not found")) {
		return &BackendError{
			Backend: "1Password",
			Reason:  "vault not found or not accessible",
			Fix:     "List available vaults with: op vault list",
		}
	}

	reason := strings.TrimSpace(msg)
	if operation != "" {
		reason = operation + ": " + reason
	}
	return &BackendError{
		Backend: "1Password",
		Reason:  reason,
	}
}
