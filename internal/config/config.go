// Package config handles the aquaman daemon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tech4242/aquaman/internal/log"
	"github.com/tech4242/aquaman/internal/name"
)

// validBackends is the closed set accepted for store.backend.
var validBackends = map[string]bool{
	"memory":    true,
	"file":      true,
	"keyring":   true,
	"1password": true,
	"vault":     true,
	"sqlite":    true,
}

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	Listen          ListenConfig `yaml:"listen,omitempty"`
	ServicesFile    string       `yaml:"servicesFile,omitempty"`
	AllowedServices []string     `yaml:"allowedServices,omitempty"`
	ClientToken     string       `yaml:"clientToken,omitempty"`
	Store           StoreConfig  `yaml:"store,omitempty"`
	Audit           AuditConfig  `yaml:"audit,omitempty"`

	// UpstreamTimeoutSeconds bounds each forwarded request.
	UpstreamTimeoutSeconds int `yaml:"upstreamTimeoutSeconds,omitempty"`

	// ShutdownGraceSeconds bounds the in-flight drain on stop.
	ShutdownGraceSeconds int `yaml:"shutdownGraceSeconds,omitempty"`
}

// ListenConfig selects the daemon endpoint: a TCP address, an optional
// TLS cert/key pair for it, or a unix socket path.
type ListenConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	SocketPath string `yaml:"socketPath,omitempty"`
	TLSCert    string `yaml:"tlsCert,omitempty"`
	TLSKey     string `yaml:"tlsKey,omitempty"`
}

// StoreConfig selects and configures the credential backend.
type StoreConfig struct {
	Backend          string      `yaml:"backend,omitempty"`
	Path             string      `yaml:"path,omitempty"`
	Passphrase       string      `yaml:"passphrase,omitempty"`
	OnePasswordVault string      `yaml:"onePasswordVault,omitempty"`
	Vault            VaultConfig `yaml:"vault,omitempty"`
}

// VaultConfig configures the Vault backend.
type VaultConfig struct {
	Address   string `yaml:"address,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Mount     string `yaml:"mount,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// DataDir returns the per-user aquaman data directory (~/.aquaman).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Warn("could not determine home directory, using temp directory", "error", err)
		home = os.TempDir()
	}
	return filepath.Join(home, ".aquaman")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Load reads the config at path, applies defaults and environment
// overrides, and validates it. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = "127.0.0.1"
	}
	if c.Listen.Port == 0 && c.Listen.SocketPath == "" {
		c.Listen.Port = 8081
	}
	if c.ServicesFile == "" {
		c.ServicesFile = filepath.Join(DataDir(), "services.yaml")
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "keyring"
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case "file":
			c.Store.Path = filepath.Join(DataDir(), "credentials.enc")
		case "sqlite":
			c.Store.Path = filepath.Join(DataDir(), "credentials.db")
		}
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(DataDir(), "audit")
	}
	if c.UpstreamTimeoutSeconds == 0 {
		c.UpstreamTimeoutSeconds = 30
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 5
	}
}

// applyEnv lets secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AQUAMAN_STORE_PASSPHRASE"); v != "" {
		c.Store.Passphrase = v
	}
	if v := os.Getenv("AQUAMAN_CLIENT_TOKEN"); v != "" {
		c.ClientToken = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" && c.Store.Vault.Token == "" {
		c.Store.Vault.Token = v
	}
}

// Validate checks the configuration's internal consistency.
func (c *Config) Validate() error {
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Listen.Port)
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return fmt.Errorf("tlsCert and tlsKey must be set together")
	}
	if c.Listen.SocketPath != "" && c.Listen.TLSCert != "" {
		return fmt.Errorf("TLS is not supported on a unix socket listener")
	}
	for _, svc := range c.AllowedServices {
		if err := name.ValidateService(svc); err != nil {
			return fmt.Errorf("allowedServices: %w", err)
		}
	}
	return nil
}
