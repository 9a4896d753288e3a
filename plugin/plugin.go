// Package plugin defines plugin descriptors and the configuration
// resolution pipeline. A descriptor is the immutable identity of an
// installable plugin: its capabilities, configuration schema, auth methods,
// and runtime launch parameters. Descriptors are loaded from manifest files
// and replaced wholesale on version change.
package plugin

import (
	"encoding/json"
	"slices"
)

// Capabilities a plugin may declare.
const (
	CapRoutes   = "routes"   // worker exposes an HTTP surface on an assigned port
	CapMessages = "messages" // worker sends messages back through the platform API
	CapTools    = "tools"    // worker exposes callable tools
)

// Protocol values for RuntimeSpec.Protocol.
const (
	ProtocolBridged = "bridged" // stdio JSON-RPC tool sub-server
	ProtocolHTTP    = "http"    // worker-owned HTTP surface
)

// Auth method types.
const (
	AuthAPIKey = "api_key"
	AuthOAuth2 = "oauth2"
)

// Descriptor identifies an installable plugin. Immutable once loaded.
type Descriptor struct {
	ID           string               `json:"id"`
	Name         string               `json:"name,omitempty"`
	Version      string               `json:"version,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	ConfigSchema map[string]FieldSpec `json:"config_schema,omitempty"`
	AuthMethods  []AuthMethod         `json:"auth_methods,omitempty"`
	Runtime      RuntimeSpec          `json:"runtime"`
}

// FieldSpec declares one named configuration field.
type FieldSpec struct {
	Type      string `json:"type"`                // "string", "number", "boolean", "json"
	Required  bool   `json:"required,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"` // credential-bearing; must live in AuthState
	Env       string `json:"env,omitempty"`       // environment-variable alias
	Default   any    `json:"default,omitempty"`
}

// AuthMethod declares one way an organization can authenticate the plugin.
type AuthMethod struct {
	Type         string   `json:"type"` // "api_key" or "oauth2"
	KeyField     string   `json:"key_field,omitempty"`
	TokenFields  []string `json:"token_fields,omitempty"`
	AuthorizeURL string   `json:"authorize_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// RuntimeSpec declares how the worker process is launched.
type RuntimeSpec struct {
	Command      []string  `json:"command,omitempty"` // argv; program and args
	Image        string    `json:"image,omitempty"`   // container image; overrides Command when set
	WorkDir      string    `json:"work_dir,omitempty"`
	Protocol     string    `json:"protocol,omitempty"` // "bridged" or "http"; default "http"
	EnvAllowlist []string  `json:"env_allowlist,omitempty"`
	StaticTools  []ToolDef `json:"static_tools,omitempty"` // declared tools for plugins without live discovery
}

// ToolDef is a statically declared tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// HasCapability reports whether the descriptor declares the capability.
func (d *Descriptor) HasCapability(cap string) bool {
	return slices.Contains(d.Capabilities, cap)
}

// Protocol returns the declared worker protocol, defaulting to "http".
func (d *Descriptor) Protocol() string {
	if d.Runtime.Protocol == "" {
		return ProtocolHTTP
	}
	return d.Runtime.Protocol
}

// AuthFields returns the set of schema field names bound to auth: fields
// marked sensitive plus every field referenced by a declared auth method.
func (d *Descriptor) AuthFields() map[string]struct{} {
	fields := make(map[string]struct{})
	for name, spec := range d.ConfigSchema {
		if spec.Sensitive {
			fields[name] = struct{}{}
		}
	}
	for _, m := range d.AuthMethods {
		if m.KeyField != "" {
			fields[m.KeyField] = struct{}{}
		}
		for _, f := range m.TokenFields {
			fields[f] = struct{}{}
		}
	}
	return fields
}
