package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUserFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRegistryBuiltinsPresent(t *testing.T) {
	r := NewRegistry("")

	for _, svc := range []string{"anthropic", "openai", "telegram", "twilio", "ms-teams"} {
		def, ok := r.Get(svc)
		require.True(t, ok, "builtin %s missing", svc)
		assert.True(t, def.Builtin())
	}

	def, _ := r.Get("anthropic")
	assert.Equal(t, "https://api.anthropic.com", def.Upstream)
	assert.Equal(t, AuthHeader, def.AuthMode)
	assert.Equal(t, "x-api-key", def.AuthHeaderName)
}

func TestRegistryUserEntries(t *testing.T) {
	path := writeUserFile(t, `
services:
  - name: internal-api
    upstream: https://api.internal.example.com
    authMode: header
    authHeader: Authorization
    authPrefix: "Bearer "
    credentialKey: api_key
    hostPatterns:
      - api.internal.example.com
`)
	r := NewRegistry(path)

	def, ok := r.Get("internal-api")
	require.True(t, ok)
	assert.False(t, def.Builtin())
	assert.Equal(t, "https://api.internal.example.com", def.Upstream)
	assert.Equal(t, "Bearer ", def.AuthPrefix)
}

func TestRegistryBuiltinOverrideRejected(t *testing.T) {
	path := writeUserFile(t, `
services:
  - name: anthropic
    upstream: http://evil.invalid
    authMode: header
    authHeader: x-api-key
    credentialKey: api_key
`)
	r := NewRegistry(path)

	def, ok := r.Get("anthropic")
	require.True(t, ok)
	assert.True(t, def.Builtin())
	assert.Equal(t, "https://api.anthropic.com", def.Upstream, "builtin must be preserved")
}

func TestRegistryMalformedUserFile(t *testing.T) {
	path := writeUserFile(t, "services: [not yaml: {{{{")
	r := NewRegistry(path)

	// Builtins survive a malformed user file.
	assert.True(t, r.Has("anthropic"))
	assert.False(t, r.Has("internal-api"))
}

func TestRegistryInvalidEntriesSkipped(t *testing.T) {
	path := writeUserFile(t, `
services:
  - name: "../escape"
    upstream: https://x.example.com
    authMode: header
    credentialKey: api_key
  - name: no-upstream
    authMode: header
    credentialKey: api_key
  - name: bad-mode
    upstream: https://x.example.com
    authMode: magic
    credentialKey: api_key
  - name: good
    upstream: https://x.example.com
    authMode: header
    authHeader: x-key
    credentialKey: api_key
`)
	r := NewRegistry(path)

	assert.False(t, r.Has("../escape"))
	assert.False(t, r.Has("no-upstream"))
	assert.False(t, r.Has("bad-mode"))
	assert.True(t, r.Has("good"))
}

func TestRegistryMissingFileSilent(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, r.Has("openai"))
}

func TestRegistryReloadPicksUpChanges(t *testing.T) {
	path := writeUserFile(t, "services: []\n")
	r := NewRegistry(path)
	assert.False(t, r.Has("later"))

	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - name: later
    upstream: https://later.example.com
    authMode: header
    authHeader: x-key
    credentialKey: api_key
`), 0600))
	r.Reload()
	assert.True(t, r.Has("later"))
}

func TestRegistryRegisterProtectsBuiltins(t *testing.T) {
	r := NewRegistry("")

	err := r.Register(Definition{
		Name:           "anthropic",
		Upstream:       "http://evil.invalid",
		AuthMode:       AuthHeader,
		AuthHeaderName: "x-api-key",
		CredentialKey:  "api_key",
	})
	require.Error(t, err)

	def, _ := r.Get("anthropic")
	assert.Equal(t, "https://api.anthropic.com", def.Upstream)

	require.NoError(t, r.Register(Definition{
		Name:           "fresh",
		Upstream:       "https://fresh.example.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "x-key",
		CredentialKey:  "api_key",
	}))
	assert.True(t, r.Has("fresh"))
}

func TestBuildHostMap(t *testing.T) {
	r := NewRegistry("")
	hostMap := r.BuildHostMap()

	assert.Equal(t, "anthropic", hostMap["api.anthropic.com"])
	assert.Equal(t, "github", hostMap["*.github.com"])
	assert.Equal(t, "telegram", hostMap["api.telegram.org"])
}

func TestDefinitionValidate(t *testing.T) {
	base := Definition{
		Name:           "svc",
		Upstream:       "https://api.example.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "x-key",
		CredentialKey:  "api_key",
	}

	t.Run("valid", func(t *testing.T) {
		d := base
		assert.NoError(t, d.Validate())
	})

	t.Run("relative upstream", func(t *testing.T) {
		d := base
		d.Upstream = "/just/a/path"
		assert.Error(t, d.Validate())
	})

	t.Run("non-http scheme", func(t *testing.T) {
		d := base
		d.Upstream = "ftp://files.example.com"
		assert.Error(t, d.Validate())
	})

	t.Run("url-path needs token placeholder", func(t *testing.T) {
		d := base
		d.AuthMode = AuthURLPath
		d.AuthPathTemplate = "/static"
		assert.Error(t, d.Validate())

		d.AuthPathTemplate = "/bot{token}"
		assert.NoError(t, d.Validate())
	})

	t.Run("basic needs password key", func(t *testing.T) {
		d := base
		d.AuthMode = AuthBasic
		assert.Error(t, d.Validate())

		d.AdditionalCredentialKeys = []string{"auth_token"}
		assert.NoError(t, d.Validate())
	})

	t.Run("oauth needs config", func(t *testing.T) {
		d := base
		d.AuthMode = AuthOAuth
		assert.Error(t, d.Validate())

		d.OAuth = &OAuthConfig{
			TokenURL:        "https://login.example.com/token",
			ClientIDKey:     "client_id",
			ClientSecretKey: "client_secret",
		}
		assert.NoError(t, d.Validate())
	})

	t.Run("unsafe additional header key", func(t *testing.T) {
		d := base
		d.AdditionalHeaders = map[string]HeaderRef{
			"x-client": {CredentialKey: "../escape"},
		}
		assert.Error(t, d.Validate())
	})
}
