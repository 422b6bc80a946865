package service

// builtins are the compiled-in service definitions. They are protected:
// the registry never maps one of these names to anything else while the
// process runs.
var builtins = []Definition{
	{
		Name:           "anthropic",
		Upstream:       "https://api.anthropic.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "x-api-key",
		CredentialKey:  "api_key",
		HostPatterns:   []string{"api.anthropic.com"},
		builtin:        true,
	},
	{
		Name:           "openai",
		Upstream:       "https://api.openai.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "Authorization",
		AuthPrefix:     "Bearer ",
		CredentialKey:  "api_key",
		HostPatterns:   []string{"api.openai.com"},
		builtin:        true,
	},
	{
		Name:           "gemini",
		Upstream:       "https://generativelanguage.googleapis.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "x-goog-api-key",
		CredentialKey:  "api_key",
		HostPatterns:   []string{"generativelanguage.googleapis.com"},
		builtin:        true,
	},
	{
		Name:           "github",
		Upstream:       "https://api.github.com",
		AuthMode:       AuthHeader,
		AuthHeaderName: "Authorization",
		AuthPrefix:     "Bearer ",
		CredentialKey:  "token",
		HostPatterns:   []string{"api.github.com", "*.github.com"},
		builtin:        true,
	},
	{
		Name:           "slack",
		Upstream:       "https://slack.com/api",
		AuthMode:       AuthHeader,
		AuthHeaderName: "Authorization",
		AuthPrefix:     "Bearer ",
		CredentialKey:  "bot_token",
		HostPatterns:   []string{"slack.com"},
		builtin:        true,
	},
	{
		Name:             "telegram",
		Upstream:         "https://api.telegram.org",
		AuthMode:         AuthURLPath,
		CredentialKey:    "bot_token",
		AuthPathTemplate: "/bot{token}",
		HostPatterns:     []string{"api.telegram.org"},
		builtin:          true,
	},
	{
		Name:                     "twilio",
		Upstream:                 "https://api.twilio.com",
		AuthMode:                 AuthBasic,
		CredentialKey:            "account_sid",
		AdditionalCredentialKeys: []string{"auth_token"},
		HostPatterns:             []string{"api.twilio.com"},
		builtin:                  true,
	},
	{
		Name:          "ms-teams",
		Upstream:      "https://graph.microsoft.com",
		AuthMode:      AuthOAuth,
		CredentialKey: "client_id",
		OAuth: &OAuthConfig{
			TokenURL:        "https://login.microsoftonline.com/{tenant_id}/oauth2/v2.0/token",
			ClientIDKey:     "client_id",
			ClientSecretKey: "client_secret",
			Scope:           "https://graph.microsoft.com/.default",
		},
		HostPatterns: []string{"graph.microsoft.com"},
		builtin:      true,
	},
}

// BuiltinNames returns the protected service names, in the order they are
// declared above.
func BuiltinNames() []string {
	names := make([]string, len(builtins))
	for i := range builtins {
		names[i] = builtins[i].Name
	}
	return names
}
