package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultStore persists credentials as versioned KV v2 secrets on a Vault
// server. Each credential lives at <mount>/data/<prefix>/<service>/<key>
// with the value under the "value" field; List walks the metadata tree.
type VaultStore struct {
	client *vault.Client
	kv     *vault.KVv2
	mount  string
	prefix string
}

// VaultOptions configures the Vault backend.
type VaultOptions struct {
	Address   string
	Token     string
	Namespace string
	Mount     string // KV v2 mount, default "secret"
	Prefix    string // path prefix under the mount, default "aquaman"
}

// NewVaultStore connects to a Vault server and verifies it is reachable.
// An unreachable or sealed server fails construction; the daemon refuses
// to start rather than degrading.
func NewVaultStore(ctx context.Context, opts VaultOptions) (*VaultStore, error) {
	if opts.Mount == "" {
		opts.Mount = "secret"
	}
	if opts.Prefix == "" {
		opts.Prefix = "aquaman"
	}

	cfg := vault.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, &BackendError{Backend: "vault", Reason: fmt.Sprintf("creating client: %v", err)}
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	if opts.Namespace != "" {
		client.SetNamespace(opts.Namespace)
	}

	health, err := client.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, &BackendError{
			Backend: "vault",
			Reason:  fmt.Sprintf("server unreachable at %s: %v", cfg.Address, err),
			Fix:     "Check store.vault.address and VAULT_TOKEN, and that the server is unsealed.",
		}
	}
	if health.Sealed {
		return nil, &BackendError{
			Backend: "vault",
			Reason:  "server is sealed",
			Fix:     "Unseal the server before starting the proxy.",
		}
	}

	return &VaultStore{
		client: client,
		kv:     client.KVv2(opts.Mount),
		mount:  opts.Mount,
		prefix: opts.Prefix,
	}, nil
}

func (s *VaultStore) secretPath(service, key string) string {
	return s.prefix + "/" + service + "/" + key
}

// Get returns the credential value, or ErrNotFound. Network errors surface
// as backend errors, never as a missing credential.
func (s *VaultStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := validateRef(service, key); err != nil {
		return "", err
	}
	secret, err := s.kv.Get(ctx, s.secretPath(service, key))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &BackendError{Backend: "vault", Reason: fmt.Sprintf("reading %s: %v", s.secretPath(service, key), err)}
	}
	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", &BackendError{Backend: "vault", Reason: fmt.Sprintf("secret %s has no string \"value\" field", s.secretPath(service, key))}
	}
	return value, nil
}

// Set writes a new secret version.
func (s *VaultStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := validateRef(service, key); err != nil {
		return err
	}
	data := map[string]interface{}{"value": value}
	if meta != nil {
		if meta.Source != "" {
			data["source"] = meta.Source
		}
		createdAt := meta.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		data["created_at"] = createdAt.Format(time.RFC3339)
		for k, v := range meta.Extra {
			data[k] = v
		}
	}
	if _, err := s.kv.Put(ctx, s.secretPath(service, key), data); err != nil {
		return &BackendError{Backend: "vault", Reason: fmt.Sprintf("writing %s: %v", s.secretPath(service, key), err)}
	}
	return nil
}

// Delete removes a secret and all its versions, reporting whether one existed.
func (s *VaultStore) Delete(ctx context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	if _, err := s.kv.GetMetadata(ctx, s.secretPath(service, key)); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return false, nil
		}
		return false, &BackendError{Backend: "vault", Reason: fmt.Sprintf("checking %s: %v", s.secretPath(service, key), err)}
	}
	if err := s.kv.DeleteMetadata(ctx, s.secretPath(service, key)); err != nil {
		return false, &BackendError{Backend: "vault", Reason: fmt.Sprintf("deleting %s: %v", s.secretPath(service, key), err)}
	}
	return true, nil
}

// List recurses the KV metadata tree under the prefix (or one service).
func (s *VaultStore) List(ctx context.Context, service string) ([]Ref, error) {
	if err := validateServiceFilter(service); err != nil {
		return nil, err
	}

	var refs []Ref
	if service != "" {
		keys, err := s.listKeys(ctx, s.prefix+"/"+service)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			refs = append(refs, Ref{Service: service, Key: k})
		}
	} else {
		services, err := s.listKeys(ctx, s.prefix)
		if err != nil {
			return nil, err
		}
		for _, svc := range services {
			svc = strings.TrimSuffix(svc, "/")
			keys, err := s.listKeys(ctx, s.prefix+"/"+svc)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				refs = append(refs, Ref{Service: svc, Key: k})
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Service != refs[j].Service {
			return refs[i].Service < refs[j].Service
		}
		return refs[i].Key < refs[j].Key
	})
	return refs, nil
}

// listKeys lists one level of the metadata tree. A missing path is an
// empty listing, not an error.
func (s *VaultStore) listKeys(ctx context.Context, path string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, s.mount+"/metadata/"+path)
	if err != nil {
		return nil, &BackendError{Backend: "vault", Reason: fmt.Sprintf("listing %s: %v", path, err)}
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if ks, ok := k.(string); ok {
			keys = append(keys, ks)
		}
	}
	return keys, nil
}

// Exists reports whether a secret is stored for (service, key).
func (s *VaultStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := validateRef(service, key); err != nil {
		return false, err
	}
	_, err := s.kv.GetMetadata(ctx, s.secretPath(service, key))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &BackendError{Backend: "vault", Reason: fmt.Sprintf("checking %s: %v", s.secretPath(service, key), err)}
	}
	return true, nil
}
