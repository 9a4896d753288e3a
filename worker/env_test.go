package worker

import (
	"strings"
	"testing"

	"github.com/capstanhq/capstan/plugin"
)

func TestBuildEnv_ToolsOnlyGetsNoCallback(t *testing.T) {
	env := BuildEnv(EnvSpec{
		Capabilities: []string{plugin.CapTools},
		OrgID:        "org-1",
		PluginID:     "slack",
		CallToken:    "tok-secret",
		BaseURL:      "http://127.0.0.1:9090",
		Port:         4321,
	})

	if _, ok := env[EnvAPIToken]; ok {
		t.Error("tools-only worker should not receive an API token")
	}
	if _, ok := env[EnvAPIBaseURL]; ok {
		t.Error("tools-only worker should not receive the API URL")
	}
	if _, ok := env[EnvPort]; ok {
		t.Error("worker without routes should not receive a port")
	}
	if env[EnvOrgID] != "org-1" || env[EnvPluginID] != "slack" {
		t.Errorf("identity keys wrong: %v", env)
	}
	if env[EnvMode] != ModeWorker {
		t.Errorf("mode = %q, want %q", env[EnvMode], ModeWorker)
	}
}

func TestBuildEnv_MessagesGetsCallbackButNoPort(t *testing.T) {
	env := BuildEnv(EnvSpec{
		Capabilities: []string{plugin.CapMessages, plugin.CapTools},
		OrgID:        "org-1",
		PluginID:     "notifier",
		CallToken:    "tok-secret",
		BaseURL:      "http://127.0.0.1:9090",
		Port:         4321,
	})

	if env[EnvAPIToken] != "tok-secret" {
		t.Errorf("API token = %q, want tok-secret", env[EnvAPIToken])
	}
	if env[EnvAPIBaseURL] != "http://127.0.0.1:9090" {
		t.Errorf("API URL = %q", env[EnvAPIBaseURL])
	}
	if _, ok := env[EnvPort]; ok {
		t.Error("messages capability alone should not grant a port")
	}
}

func TestBuildEnv_RoutesGetsPort(t *testing.T) {
	env := BuildEnv(EnvSpec{
		Capabilities: []string{plugin.CapRoutes},
		OrgID:        "org-1",
		PluginID:     "webhook",
		CallToken:    "tok",
		BaseURL:      "http://127.0.0.1:9090",
		Port:         4321,
	})

	if env[EnvPort] != "4321" {
		t.Errorf("port = %q, want 4321", env[EnvPort])
	}
	if env[EnvAPIToken] != "tok" {
		t.Error("routes capability should receive an API token")
	}
}

func TestBuildEnv_NeverCopiesHostEnvironment(t *testing.T) {
	t.Setenv("HOST_ONLY_SECRET", "leaky")

	env := BuildEnv(EnvSpec{
		Capabilities: []string{plugin.CapTools},
		OrgID:        "org-1",
		PluginID:     "p",
	})

	if _, ok := env["HOST_ONLY_SECRET"]; ok {
		t.Error("host environment leaked into worker env")
	}
	if env["PATH"] == "" {
		t.Error("PATH should be forwarded")
	}
}

func TestBuildEnv_ConfigOverridesInternalKeys(t *testing.T) {
	env := BuildEnv(EnvSpec{
		Capabilities: []string{plugin.CapTools},
		OrgID:        "org-1",
		PluginID:     "p",
		Config:       map[string]string{"SLACK_TOKEN": "xoxb-1", EnvOrgID: "forced"},
	})

	if env["SLACK_TOKEN"] != "xoxb-1" {
		t.Errorf("config key missing: %v", env)
	}
	if env[EnvOrgID] != "forced" {
		t.Error("resolved config should merge last")
	}
}

func TestMinimalEnv(t *testing.T) {
	env := MinimalEnv()
	if env[EnvMode] != ModeBuild {
		t.Errorf("mode = %q, want %q", env[EnvMode], ModeBuild)
	}
	for k := range env {
		switch k {
		case EnvMode, "PATH", "HOME":
		default:
			t.Errorf("unexpected key %q in minimal env", k)
		}
	}
}

func TestConfigEnv_AliasAndSnakeCase(t *testing.T) {
	desc := &plugin.Descriptor{
		ID: "slack",
		ConfigSchema: map[string]plugin.FieldSpec{
			"token":      {Type: "string", Env: "SLACK_TOKEN"},
			"maxRetries": {Type: "number"},
		},
	}
	out := ConfigEnv(desc, map[string]any{"token": "xoxb-1", "maxRetries": float64(3)})

	if out["SLACK_TOKEN"] != "xoxb-1" {
		t.Errorf("alias not applied: %v", out)
	}
	if out["MAX_RETRIES"] != "3" {
		t.Errorf("snake case conversion: %v", out)
	}
}

func TestFlatten_SortedKV(t *testing.T) {
	got := Flatten(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Flatten = %v, want %v", got, want)
	}
}
