// Package config defines the Capstan daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Capstan configuration.
type Config struct {
	Server     ServerConfig `json:"server" yaml:"server"`
	Auth       AuthConfig   `json:"auth" yaml:"auth"`
	Workers    WorkerConfig `json:"workers" yaml:"workers"`
	DataDir    string       `json:"data_dir" yaml:"data_dir"`
	PluginsDir string       `json:"plugins_dir" yaml:"plugins_dir"`
	LogLevel   string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"

	// InternalBaseURL is the URL workers use to call back into the platform.
	// Defaults to http://127.0.0.1<Addr> when empty.
	InternalBaseURL string `json:"internal_base_url" yaml:"internal_base_url"`
}

// AuthConfig controls dashboard authentication and call-token signing.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// WorkerConfig bounds worker process lifecycle behavior.
type WorkerConfig struct {
	MaxInstancesPerPlugin int           `json:"max_instances_per_plugin" yaml:"max_instances_per_plugin"`
	IdleTimeout           time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval         time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	ProbeAttempts         int           `json:"probe_attempts" yaml:"probe_attempts"`
	ProbeInterval         time.Duration `json:"probe_interval" yaml:"probe_interval"`
	StopGrace             time.Duration `json:"stop_grace" yaml:"stop_grace"`
	CallTimeout           time.Duration `json:"call_timeout" yaml:"call_timeout"`
	DiscoveryTimeout      time.Duration `json:"discovery_timeout" yaml:"discovery_timeout"`
}

// UnmarshalYAML decodes worker settings, accepting durations in "15m" form.
// Fields absent from the document keep whatever value they already hold, so
// defaults survive a partial config.
func (w *WorkerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxInstancesPerPlugin *int    `yaml:"max_instances_per_plugin"`
		IdleTimeout           *string `yaml:"idle_timeout"`
		SweepInterval         *string `yaml:"sweep_interval"`
		ProbeAttempts         *int    `yaml:"probe_attempts"`
		ProbeInterval         *string `yaml:"probe_interval"`
		StopGrace             *string `yaml:"stop_grace"`
		CallTimeout           *string `yaml:"call_timeout"`
		DiscoveryTimeout      *string `yaml:"discovery_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxInstancesPerPlugin != nil {
		w.MaxInstancesPerPlugin = *raw.MaxInstancesPerPlugin
	}
	if raw.ProbeAttempts != nil {
		w.ProbeAttempts = *raw.ProbeAttempts
	}
	for _, f := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &w.IdleTimeout},
		{"sweep_interval", raw.SweepInterval, &w.SweepInterval},
		{"probe_interval", raw.ProbeInterval, &w.ProbeInterval},
		{"stop_grace", raw.StopGrace, &w.StopGrace},
		{"call_timeout", raw.CallTimeout, &w.CallTimeout},
		{"discovery_timeout", raw.DiscoveryTimeout, &w.DiscoveryTimeout},
	} {
		if f.src == nil {
			continue
		}
		d, err := time.ParseDuration(*f.src)
		if err != nil {
			return fmt.Errorf("workers.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Workers: WorkerConfig{
			MaxInstancesPerPlugin: 8,
			IdleTimeout:           15 * time.Minute,
			SweepInterval:         time.Minute,
			ProbeAttempts:         20,
			ProbeInterval:         250 * time.Millisecond,
			StopGrace:             5 * time.Second,
			CallTimeout:           30 * time.Second,
			DiscoveryTimeout:      5 * time.Second,
		},
		DataDir:    "./data",
		PluginsDir: "./plugins",
		LogLevel:   "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// InternalBaseURL returns the configured worker callback URL, deriving one
// from the listen address when unset.
func (c *Config) InternalBaseURL() string {
	if c.Server.InternalBaseURL != "" {
		return c.Server.InternalBaseURL
	}
	return "http://127.0.0.1" + c.Server.Addr
}
