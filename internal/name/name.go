// Package name validates service and credential key names.
//
// Service names and credential keys appear in URL paths, filesystem paths,
// keyring accounts, CLI arguments, and database identifiers. A single safe
// pattern is enforced everywhere before any of those are composed, so a name
// that passes validation can never traverse outside a storage root or smuggle
// shell metacharacters into an external command.
package name

import (
	"fmt"
	"regexp"
)

// safeNameRe matches valid service names and credential keys: lowercase
// alphanumeric start, then lowercase alphanumerics, dots, underscores,
// hyphens. Leading underscores are excluded, which guarantees user and
// builtin services can never collide with the reserved /_health and
// /_hostmap endpoints.
var safeNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// MaxLen is the maximum accepted length for a service name or key.
const MaxLen = 128

// ValidateService checks that a service name matches the safe pattern.
func ValidateService(service string) error {
	return validate("service name", service)
}

// ValidateKey checks that a credential key matches the safe pattern.
func ValidateKey(key string) error {
	return validate("credential key", key)
}

func validate(what, s string) error {
	if s == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if len(s) > MaxLen {
		return fmt.Errorf("%s too long: %d bytes (max %d)", what, len(s), MaxLen)
	}
	if !safeNameRe.MatchString(s) {
		return fmt.Errorf("invalid %s %q: must start with a lowercase letter or digit and contain only lowercase letters, digits, dots, underscores, and hyphens", what, s)
	}
	return nil
}

// IsValidService reports whether service matches the safe pattern.
func IsValidService(service string) bool {
	return ValidateService(service) == nil
}

// IsValidKey reports whether key matches the safe pattern.
func IsValidKey(key string) bool {
	return ValidateKey(key) == nil
}
