package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Listen.Host)
	assert.Equal(t, 8081, cfg.Listen.Port)
	assert.Equal(t, "keyring", cfg.Store.Backend)
	assert.Equal(t, 30, cfg.UpstreamTimeoutSeconds)
	assert.Equal(t, 5, cfg.ShutdownGraceSeconds)
	assert.NotEmpty(t, cfg.ServicesFile)
	assert.NotEmpty(t, cfg.Audit.Dir)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  host: 0.0.0.0
  port: 9000
store:
  backend: file
allowedServices:
  - anthropic
  - openai
upstreamTimeoutSeconds: 10
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Listen.Host)
	assert.Equal(t, 9000, cfg.Listen.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Contains(t, cfg.Store.Path, "credentials.enc")
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.AllowedServices)
	assert.Equal(t, 10, cfg.UpstreamTimeoutSeconds)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [}{"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		cfg := &Config{Store: StoreConfig{Backend: "redis"}}
		cfg.applyDefaults()
		cfg.Store.Backend = "redis"
		assert.Error(t, cfg.Validate())
	})

	t.Run("tls needs both cert and key", func(t *testing.T) {
		cfg := &Config{Listen: ListenConfig{TLSCert: "/tmp/cert.pem"}}
		cfg.applyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("no tls over unix socket", func(t *testing.T) {
		cfg := &Config{Listen: ListenConfig{
			SocketPath: "/tmp/aquaman.sock",
			TLSCert:    "/tmp/cert.pem",
			TLSKey:     "/tmp/key.pem",
		}}
		cfg.applyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid allowed service", func(t *testing.T) {
		cfg := &Config{AllowedServices: []string{"../etc"}}
		cfg.applyDefaults()
		assert.Error(t, cfg.Validate())
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AQUAMAN_STORE_PASSPHRASE", "from-env")
	t.Setenv("AQUAMAN_CLIENT_TOKEN", "token-from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Store.Passphrase)
	assert.Equal(t, "token-from-env", cfg.ClientToken)
}
