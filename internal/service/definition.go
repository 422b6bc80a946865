// Package service defines upstream API services and the hardened registry
// that resolves them.
package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tech4242/aquaman/internal/name"
)

// AuthMode selects how a credential enters the upstream request. It is a
// closed set; the request pipeline branches once on it per request.
type AuthMode string

const (
	// AuthHeader injects the credential into a named request header.
	AuthHeader AuthMode = "header"
	// AuthURLPath substitutes the credential into the upstream URL path.
	AuthURLPath AuthMode = "url-path"
	// AuthBasic sends HTTP basic auth built from two stored credentials.
	AuthBasic AuthMode = "basic"
	// AuthOAuth exchanges stored client credentials for a bearer token.
	AuthOAuth AuthMode = "oauth"
	// AuthNone marks a service as at-rest storage only; the proxy
	// refuses to forward for it.
	AuthNone AuthMode = "none"
)

// validAuthModes is the closed set accepted from configuration.
var validAuthModes = map[AuthMode]bool{
	AuthHeader:  true,
	AuthURLPath: true,
	AuthBasic:   true,
	AuthOAuth:   true,
	AuthNone:    true,
}

// HeaderRef names a credential to inject into an additional header.
type HeaderRef struct {
	CredentialKey string `yaml:"credentialKey" json:"credentialKey"`
	Prefix        string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// OAuthConfig describes a client-credentials token endpoint. TokenURL may
// contain {key} placeholders resolved against the credential store.
type OAuthConfig struct {
	TokenURL        string `yaml:"tokenUrl" json:"tokenUrl"`
	ClientIDKey     string `yaml:"clientIdKey" json:"clientIdKey"`
	ClientSecretKey string `yaml:"clientSecretKey" json:"clientSecretKey"`
	Scope           string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Audience        string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// Definition describes one upstream API known to the proxy.
type Definition struct {
	Name                     string               `yaml:"name" json:"name"`
	Upstream                 string               `yaml:"upstream" json:"upstream"`
	AuthMode                 AuthMode             `yaml:"authMode" json:"authMode"`
	AuthHeaderName           string               `yaml:"authHeader,omitempty" json:"authHeader,omitempty"`
	AuthPrefix               string               `yaml:"authPrefix,omitempty" json:"authPrefix,omitempty"`
	CredentialKey            string               `yaml:"credentialKey,omitempty" json:"credentialKey,omitempty"`
	AdditionalCredentialKeys []string             `yaml:"additionalCredentialKeys,omitempty" json:"additionalCredentialKeys,omitempty"`
	AdditionalHeaders        map[string]HeaderRef `yaml:"additionalHeaders,omitempty" json:"additionalHeaders,omitempty"`
	AuthPathTemplate         string               `yaml:"authPathTemplate,omitempty" json:"authPathTemplate,omitempty"`
	OAuth                    *OAuthConfig         `yaml:"oauth,omitempty" json:"oauth,omitempty"`
	HostPatterns             []string             `yaml:"hostPatterns,omitempty" json:"hostPatterns,omitempty"`

	// builtin marks compiled-in definitions; user configuration can
	// never produce one.
	builtin bool
}

// Builtin reports whether the definition is compiled in and protected
// against user override.
func (d *Definition) Builtin() bool { return d.builtin }

// Validate checks the definition's internal consistency. It is applied to
// every user entry before insertion into the registry.
func (d *Definition) Validate() error {
	if err := name.ValidateService(d.Name); err != nil {
		return err
	}
	u, err := url.Parse(d.Upstream)
	if err != nil {
		return fmt.Errorf("service %s: invalid upstream URL: %w", d.Name, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("service %s: upstream must be an absolute http(s) URL, got %q", d.Name, d.Upstream)
	}
	if u.Host == "" {
		return fmt.Errorf("service %s: upstream has no host", d.Name)
	}

	if !validAuthModes[d.AuthMode] {
		return fmt.Errorf("service %s: unknown authMode %q", d.Name, d.AuthMode)
	}

	if d.AuthMode != AuthNone {
		if err := name.ValidateKey(d.CredentialKey); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	for _, k := range d.AdditionalCredentialKeys {
		if err := name.ValidateKey(k); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	for header, ref := range d.AdditionalHeaders {
		if header == "" {
			return fmt.Errorf("service %s: empty additional header name", d.Name)
		}
		if err := name.ValidateKey(ref.CredentialKey); err != nil {
			return fmt.Errorf("service %s: additional header %s: %w", d.Name, header, err)
		}
	}

	switch d.AuthMode {
	case AuthHeader:
		if d.AuthHeaderName == "" {
			return fmt.Errorf("service %s: header mode requires authHeader", d.Name)
		}
	case AuthURLPath:
		if !strings.Contains(d.AuthPathTemplate, "{token}") {
			return fmt.Errorf("service %s: url-path mode requires authPathTemplate containing {token}", d.Name)
		}
	case AuthBasic:
		if len(d.AdditionalCredentialKeys) == 0 {
			return fmt.Errorf("service %s: basic mode requires an additional credential key for the password", d.Name)
		}
	case AuthOAuth:
		if d.OAuth == nil {
			return fmt.Errorf("service %s: oauth mode requires an oauth config", d.Name)
		}
		if d.OAuth.TokenURL == "" {
			return fmt.Errorf("service %s: oauth config missing tokenUrl", d.Name)
		}
		if err := name.ValidateKey(d.OAuth.ClientIDKey); err != nil {
			return fmt.Errorf("service %s: oauth clientIdKey: %w", d.Name, err)
		}
		if err := name.ValidateKey(d.OAuth.ClientSecretKey); err != nil {
			return fmt.Errorf("service %s: oauth clientSecretKey: %w", d.Name, err)
		}
	}

	for _, p := range d.HostPatterns {
		if err := validateHostPattern(p); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	return nil
}

// AuthHeaderOrDefault returns the configured auth header, defaulting to
// Authorization for oauth mode.
func (d *Definition) AuthHeaderOrDefault() string {
	if d.AuthHeaderName != "" {
		return d.AuthHeaderName
	}
	if d.AuthMode == AuthOAuth {
		return "Authorization"
	}
	return ""
}

// validateHostPattern accepts literal hostnames and single-level
// "*.domain" wildcards.
func validateHostPattern(pattern string) error {
	host := strings.TrimPrefix(pattern, "*.")
	if host == "" || strings.ContainsAny(host, "/:@ \t*") {
		return fmt.Errorf("invalid host pattern %q", pattern)
	}
	return nil
}
