// Package instance manages per-organization plugin bindings: the
// organization-supplied configuration, the separately-stored auth state, and
// the worker runtime state. Instances are soft-disabled rather than deleted
// so audit history survives an organization turning a plugin off.
package instance

import "time"

// RuntimeState is the lifecycle state of an instance's worker.
type RuntimeState string

const (
	StateStopped  RuntimeState = "stopped"
	StateStarting RuntimeState = "starting"
	StateReady    RuntimeState = "ready"
	StateDegraded RuntimeState = "degraded"
	StateError    RuntimeState = "error"
)

// Instance is one (organization, plugin) binding.
type Instance struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"org_id"`
	PluginID       string         `json:"plugin_id"`
	Config         map[string]any `json:"config"`
	State          RuntimeState   `json:"state"`
	Enabled        bool           `json:"enabled"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuthState is the credential payload for an instance. It lives in its own
// table with its own update lifecycle and is never mixed into Config.
type AuthState struct {
	Method      string            `json:"method"` // "api_key", "oauth2", or "" when unauthenticated
	Credentials map[string]string `json:"credentials,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Empty reports whether the auth state carries no credentials.
func (a *AuthState) Empty() bool {
	return a == nil || (a.Method == "" && len(a.Credentials) == 0)
}
