package instance

import (
	"fmt"

	"github.com/capstanhq/capstan/plugin"
)

// Split separates a flat settings payload into ordinary configuration and
// AuthState at write time. Fields marked sensitive in the schema, and fields
// referenced by a declared auth method, land in AuthState; everything else is
// ordinary config. When the plugin declares no auth methods at all, unmatched
// fields stay in config (legacy plugins predating the auth contract), but
// sensitive-marked fields still never land there.
func Split(desc *plugin.Descriptor, payload map[string]any) (map[string]any, AuthState) {
	authFields := desc.AuthFields()

	cfg := make(map[string]any)
	creds := make(map[string]string)
	for name, value := range payload {
		if _, isAuth := authFields[name]; isAuth {
			creds[name] = fmt.Sprint(value)
			continue
		}
		cfg[name] = value
	}

	auth := AuthState{Credentials: creds}
	if len(creds) == 0 {
		auth.Credentials = nil
		return cfg, auth
	}
	auth.Method = matchMethod(desc, creds)
	return cfg, auth
}

// matchMethod picks the declared auth method whose fields the credentials
// satisfy, preferring the first declaration order match.
func matchMethod(desc *plugin.Descriptor, creds map[string]string) string {
	for _, m := range desc.AuthMethods {
		switch m.Type {
		case plugin.AuthAPIKey:
			if _, ok := creds[m.KeyField]; ok {
				return m.Type
			}
		case plugin.AuthOAuth2:
			matched := len(m.TokenFields) > 0
			for _, f := range m.TokenFields {
				if _, ok := creds[f]; !ok {
					matched = false
					break
				}
			}
			if matched {
				return m.Type
			}
		}
	}
	return ""
}
