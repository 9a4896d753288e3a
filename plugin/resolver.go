package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// NotConfiguredError reports a required field with no resolvable value.
type NotConfiguredError struct {
	PluginID string
	Field    string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("plugin %q: field %q is required but not configured", e.PluginID, e.Field)
}

// Resolver resolves configuration fields for one plugin instance through the
// precedence chain: organization-supplied value, allow-listed environment
// alias, schema default. An organization value of "", 0, or false is present
// and wins; only a missing key or explicit null falls through.
type Resolver struct {
	desc      *Descriptor
	values    map[string]any
	allowlist map[string]struct{}
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
}

// NewResolver builds a Resolver over the descriptor's schema and the
// organization-supplied values. The environment allow-list is the worker's
// own manifest-declared list, never the host's.
func NewResolver(desc *Descriptor, values map[string]any, logger *slog.Logger) *Resolver {
	allow := make(map[string]struct{}, len(desc.Runtime.EnvAllowlist))
	for _, k := range desc.Runtime.EnvAllowlist {
		allow[k] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		desc:      desc,
		values:    values,
		allowlist: allow,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}
}

// Resolve returns the field's value or a NotConfiguredError when the field is
// required and nothing in the chain produced a value. Optional fields with no
// value resolve to nil.
func (r *Resolver) Resolve(name string) (any, error) {
	spec, ok := r.desc.ConfigSchema[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: field %q is not declared in the config schema", r.desc.ID, name)
	}
	if v, found := r.lookup(name, spec); found {
		return v, nil
	}
	if spec.Required {
		return nil, &NotConfiguredError{PluginID: r.desc.ID, Field: name}
	}
	return nil, nil
}

// ResolveOptional is the non-throwing variant: it reports presence instead of
// erroring on required-but-missing fields.
func (r *Resolver) ResolveOptional(name string) (any, bool) {
	spec, ok := r.desc.ConfigSchema[name]
	if !ok {
		return nil, false
	}
	return r.lookup(name, spec)
}

// ResolveAll resolves every schema field, returning the resolved map. Fields
// with no value are omitted; the first required-but-missing field aborts.
func (r *Resolver) ResolveAll() (map[string]any, error) {
	resolved := make(map[string]any, len(r.desc.ConfigSchema))
	for name, spec := range r.desc.ConfigSchema {
		v, found := r.lookup(name, spec)
		if !found {
			if spec.Required {
				return nil, &NotConfiguredError{PluginID: r.desc.ID, Field: name}
			}
			continue
		}
		resolved[name] = v
	}
	return resolved, nil
}

// lookup walks the precedence chain for one field.
func (r *Resolver) lookup(name string, spec FieldSpec) (any, bool) {
	// 1. Organization-supplied value; falsy values are present, null is not.
	if v, ok := r.values[name]; ok && v != nil {
		return v, true
	}

	// 2. Environment alias, gated on the worker's own allow-list.
	if spec.Env != "" {
		if _, allowed := r.allowlist[spec.Env]; !allowed {
			r.logger.Warn("env alias not in worker allow-list, treating as absent",
				"plugin", r.desc.ID, "field", name, "env", spec.Env)
		} else if raw, ok := r.lookupEnv(spec.Env); ok {
			if v, ok := r.coerce(name, spec, raw); ok {
				return v, true
			}
		}
	}

	// 3. Schema default.
	if spec.Default != nil {
		return spec.Default, true
	}
	return nil, false
}

// coerce converts an environment string to the field's declared type.
// number and json parse failures are warned and treated as absent; an
// unrecognized boolean token coerces to false rather than falling through.
func (r *Resolver) coerce(name string, spec FieldSpec, raw string) (any, bool) {
	switch spec.Type {
	case "number":
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			r.logger.Warn("invalid numeric env value, treating as absent",
				"plugin", r.desc.ID, "field", name, "env", spec.Env, "value", raw)
			return nil, false
		}
		return n, true
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "yes", "on", "y":
			return true, true
		case "0", "false", "no", "off", "n", "":
			return false, true
		default:
			r.logger.Warn("unrecognized boolean env value, defaulting to false",
				"plugin", r.desc.ID, "field", name, "env", spec.Env, "value", raw)
			return false, true
		}
	case "json":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			r.logger.Warn("invalid json env value, treating as absent",
				"plugin", r.desc.ID, "field", name, "env", spec.Env, "error", err)
			return nil, false
		}
		return v, true
	default:
		return raw, true
	}
}

// WithLookupEnv overrides the process-environment lookup. Tests use this to
// inject a fake environment.
func (r *Resolver) WithLookupEnv(fn func(string) (string, bool)) *Resolver {
	r.lookupEnv = fn
	return r
}
