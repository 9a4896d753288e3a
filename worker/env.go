package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/capstanhq/capstan/plugin"
)

// Reserved environment keys written into every worker. Plugin config fields
// are expected not to collide with the CAPSTAN_ prefix.
const (
	EnvMode         = "CAPSTAN_MODE"
	EnvOrgID        = "CAPSTAN_ORG_ID"
	EnvPluginID     = "CAPSTAN_PLUGIN_ID"
	EnvCapabilities = "CAPSTAN_CAPABILITIES"
	EnvAPIBaseURL   = "CAPSTAN_API_URL"
	EnvAPIToken     = "CAPSTAN_API_TOKEN"
	EnvPort         = "CAPSTAN_PORT"
)

// Worker process modes.
const (
	ModeWorker = "worker"
	ModeBuild  = "build"
)

// EnvSpec is the input to BuildEnv.
type EnvSpec struct {
	Capabilities []string
	OrgID        string
	PluginID     string
	Config       map[string]string // resolved config, already keyed by env name
	CallToken    string
	BaseURL      string
	Port         int
}

// BuildEnv produces the complete environment for a worker process. Only
// explicitly enumerated keys are forwarded; the host's ambient environment
// is never copied, so host secrets cannot leak into plugin code. The
// platform API URL and call token appear only for workers that can call
// back in ("routes" or "messages"), and a listening port only for "routes".
// Resolved plugin configuration is merged last so plugin-declared fields win
// over any same-named internal key.
func BuildEnv(spec EnvSpec) map[string]string {
	env := map[string]string{
		EnvMode:         ModeWorker,
		"PATH":          os.Getenv("PATH"),
		EnvOrgID:        spec.OrgID,
		EnvPluginID:     spec.PluginID,
		EnvCapabilities: strings.Join(spec.Capabilities, ","),
	}

	callback := false
	routes := false
	for _, c := range spec.Capabilities {
		switch c {
		case plugin.CapRoutes:
			callback = true
			routes = true
		case plugin.CapMessages:
			callback = true
		}
	}
	if callback {
		env[EnvAPIBaseURL] = spec.BaseURL
		env[EnvAPIToken] = spec.CallToken
	}
	if routes && spec.Port > 0 {
		env[EnvPort] = strconv.Itoa(spec.Port)
	}

	for k, v := range spec.Config {
		env[k] = v
	}
	return env
}

// MinimalEnv is the degenerate environment for one-shot build/install steps:
// process mode, PATH, and HOME only. Nothing organization- or
// plugin-specific is present.
func MinimalEnv() map[string]string {
	env := map[string]string{
		EnvMode: ModeBuild,
		"PATH":  os.Getenv("PATH"),
	}
	if home := os.Getenv("HOME"); home != "" {
		env["HOME"] = home
	}
	return env
}

// ConfigEnv converts resolved configuration values into environment entries.
// A field publishes under its declared env alias when it has one, otherwise
// under its upper-snake field name.
func ConfigEnv(desc *plugin.Descriptor, resolved map[string]any) map[string]string {
	out := make(map[string]string, len(resolved))
	for name, value := range resolved {
		key := name
		if spec, ok := desc.ConfigSchema[name]; ok && spec.Env != "" {
			key = spec.Env
		} else {
			key = upperSnake(name)
		}
		out[key] = envValue(value)
	}
	return out
}

// Flatten renders an environment map as the KEY=VALUE slice exec expects,
// sorted for deterministic spawns.
func Flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func upperSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' && i > 0 {
			prev := name[i-1]
			if prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9' {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(strings.ReplaceAll(b.String(), "-", "_"))
}
