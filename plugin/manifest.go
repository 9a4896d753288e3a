package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// manifestFilename is the per-plugin manifest file name.
const manifestFilename = "plugin.json"

var titleCaser = cases.Title(language.English)

// LoadDir reads every <dir>/<plugin>/plugin.json manifest and returns the
// validated descriptors keyed by plugin ID. A missing plugins directory is
// not an error; it yields an empty registry.
func LoadDir(dir string) (map[string]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Descriptor{}, nil
		}
		return nil, fmt.Errorf("read plugins dir %s: %w", dir, err)
	}

	descriptors := make(map[string]*Descriptor)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), manifestFilename)
		desc, err := LoadManifest(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if _, dup := descriptors[desc.ID]; dup {
			return nil, fmt.Errorf("plugin %q: duplicate id (dir %s)", desc.ID, e.Name())
		}
		if desc.Runtime.WorkDir == "" {
			desc.Runtime.WorkDir = filepath.Join(dir, e.Name())
		}
		descriptors[desc.ID] = desc
	}
	return descriptors, nil
}

// LoadManifest reads and validates a single plugin manifest.
func LoadManifest(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := desc.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &desc, nil
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(d.Runtime.Command) == 0 && d.Runtime.Image == "" {
		return fmt.Errorf("plugin %q: runtime command or image is required", d.ID)
	}
	switch d.Runtime.Protocol {
	case "", ProtocolBridged, ProtocolHTTP:
	default:
		return fmt.Errorf("plugin %q: unknown protocol %q", d.ID, d.Runtime.Protocol)
	}
	if d.Runtime.Protocol == ProtocolBridged && len(d.Runtime.Command) == 0 {
		return fmt.Errorf("plugin %q: bridged protocol requires a command", d.ID)
	}
	for name, spec := range d.ConfigSchema {
		switch spec.Type {
		case "string", "number", "boolean", "json":
		default:
			return fmt.Errorf("plugin %q: field %q: unknown type %q", d.ID, name, spec.Type)
		}
	}
	for i, m := range d.AuthMethods {
		switch m.Type {
		case AuthAPIKey:
			if m.KeyField == "" {
				return fmt.Errorf("plugin %q: auth method %d: api_key requires key_field", d.ID, i)
			}
		case AuthOAuth2:
			if len(m.TokenFields) == 0 {
				return fmt.Errorf("plugin %q: auth method %d: oauth2 requires token_fields", d.ID, i)
			}
		default:
			return fmt.Errorf("plugin %q: auth method %d: unknown type %q", d.ID, i, m.Type)
		}
	}
	allow, err := normalizeEnvAllowlist(d.Runtime.EnvAllowlist)
	if err != nil {
		return fmt.Errorf("plugin %q: %w", d.ID, err)
	}
	d.Runtime.EnvAllowlist = allow
	if d.Name == "" {
		d.Name = titleCaser.String(strings.ReplaceAll(d.ID, "-", " "))
	}
	return nil
}

// normalizeEnvAllowlist normalizes, validates, and de-duplicates environment
// variable names. Names are upper-cased, trimmed, and must match
// [A-Z_][A-Z0-9_]*. Order of first occurrence is preserved.
func normalizeEnvAllowlist(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		trimmed := strings.TrimSpace(k)
		if trimmed == "" {
			return nil, fmt.Errorf("env_allowlist[%d]: empty name", i)
		}
		upper := strings.ToUpper(trimmed)
		if !isValidEnvName(upper) {
			return nil, fmt.Errorf("env_allowlist[%d]: invalid name %q (must match [A-Z_][A-Z0-9_]*)", i, k)
		}
		if _, ok := seen[upper]; ok {
			continue
		}
		seen[upper] = struct{}{}
		out = append(out, upper)
	}
	return out, nil
}

func isValidEnvName(s string) bool {
	if len(s) == 0 {
		return false
	}
	c := s[0]
	if !((c >= 'A' && c <= 'Z') || c == '_') {
		return false
	}
	for i := 1; i < len(s); i++ {
		c = s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}
