package plugin

import (
	"errors"
	"log/slog"
	"testing"
)

func testDescriptor() *Descriptor {
	return &Descriptor{
		ID: "github",
		ConfigSchema: map[string]FieldSpec{
			"apiKey":   {Type: "string", Required: true, Env: "X_KEY"},
			"baseURL":  {Type: "string", Default: "https://api.github.com"},
			"retries":  {Type: "number", Env: "GH_RETRIES"},
			"debug":    {Type: "boolean", Env: "GH_DEBUG"},
			"options":  {Type: "json", Env: "GH_OPTIONS"},
			"optional": {Type: "string"},
		},
		Runtime: RuntimeSpec{
			Command:      []string{"./run"},
			EnvAllowlist: []string{"X_KEY", "GH_RETRIES", "GH_DEBUG", "GH_OPTIONS"},
		},
	}
}

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestResolver_OrgValueWins(t *testing.T) {
	r := NewResolver(testDescriptor(), map[string]any{"apiKey": "org-key"}, slog.Default()).
		WithLookupEnv(fakeEnv(map[string]string{"X_KEY": "env-key"}))

	v, err := r.Resolve("apiKey")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "org-key" {
		t.Errorf("Resolve(apiKey) = %v, want org-key", v)
	}
}

func TestResolver_FalsyOrgValuesArePresent(t *testing.T) {
	desc := testDescriptor()
	desc.ConfigSchema["baseURL"] = FieldSpec{Type: "string", Default: "https://fallback"}
	desc.ConfigSchema["retries"] = FieldSpec{Type: "number", Default: float64(3)}
	desc.ConfigSchema["debug"] = FieldSpec{Type: "boolean", Default: true}

	values := map[string]any{
		"baseURL": "",
		"retries": float64(0),
		"debug":   false,
	}
	r := NewResolver(desc, values, slog.Default()).WithLookupEnv(fakeEnv(nil))

	for field, want := range map[string]any{"baseURL": "", "retries": float64(0), "debug": false} {
		got, ok := r.ResolveOptional(field)
		if !ok {
			t.Fatalf("ResolveOptional(%s): absent, want present", field)
		}
		if got != want {
			t.Errorf("ResolveOptional(%s) = %v, want %v", field, got, want)
		}
	}
}

func TestResolver_NullOrgValueFallsThrough(t *testing.T) {
	r := NewResolver(testDescriptor(), map[string]any{"baseURL": nil}, slog.Default()).
		WithLookupEnv(fakeEnv(nil))

	v, ok := r.ResolveOptional("baseURL")
	if !ok || v != "https://api.github.com" {
		t.Errorf("ResolveOptional(baseURL) = %v, %v; want schema default", v, ok)
	}
}

func TestResolver_EnvAliasAllowed(t *testing.T) {
	r := NewResolver(testDescriptor(), nil, slog.Default()).
		WithLookupEnv(fakeEnv(map[string]string{"X_KEY": "abc"}))

	v, err := r.Resolve("apiKey")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "abc" {
		t.Errorf("Resolve(apiKey) = %v, want abc", v)
	}
}

func TestResolver_EnvAliasNotAllowlisted(t *testing.T) {
	desc := testDescriptor()
	desc.Runtime.EnvAllowlist = nil
	r := NewResolver(desc, nil, slog.Default()).
		WithLookupEnv(fakeEnv(map[string]string{"X_KEY": "abc"}))

	if v, ok := r.ResolveOptional("apiKey"); ok {
		t.Errorf("ResolveOptional(apiKey) = %v, want absent when alias is not allow-listed", v)
	}

	var nc *NotConfiguredError
	if _, err := r.Resolve("apiKey"); !errors.As(err, &nc) {
		t.Errorf("Resolve(apiKey) err = %v, want NotConfiguredError", err)
	}
}

func TestResolver_RequiredMissing(t *testing.T) {
	r := NewResolver(testDescriptor(), nil, slog.Default()).WithLookupEnv(fakeEnv(nil))

	_, err := r.Resolve("apiKey")
	var nc *NotConfiguredError
	if !errors.As(err, &nc) {
		t.Fatalf("Resolve err = %v, want NotConfiguredError", err)
	}
	if nc.Field != "apiKey" {
		t.Errorf("NotConfiguredError.Field = %q, want apiKey", nc.Field)
	}
}

func TestResolver_Coercion(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		env     map[string]string
		want    any
		present bool
	}{
		{"number ok", "retries", map[string]string{"GH_RETRIES": "5"}, float64(5), true},
		{"number invalid treated absent", "retries", map[string]string{"GH_RETRIES": "not-a-number"}, nil, false},
		{"bool true", "debug", map[string]string{"GH_DEBUG": "TRUE"}, true, true},
		{"bool falsy", "debug", map[string]string{"GH_DEBUG": "off"}, false, true},
		{"bool unrecognized defaults false", "debug", map[string]string{"GH_DEBUG": "maybe"}, false, true},
		{"json invalid treated absent", "options", map[string]string{"GH_OPTIONS": "{broken"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(testDescriptor(), nil, slog.Default()).WithLookupEnv(fakeEnv(tt.env))
			got, ok := r.ResolveOptional(tt.field)
			if ok != tt.present {
				t.Fatalf("present = %v, want %v", ok, tt.present)
			}
			if tt.present && got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_JSONCoercion(t *testing.T) {
	r := NewResolver(testDescriptor(), nil, slog.Default()).
		WithLookupEnv(fakeEnv(map[string]string{"GH_OPTIONS": `{"depth":2}`}))

	v, ok := r.ResolveOptional("options")
	if !ok {
		t.Fatal("ResolveOptional(options): absent, want present")
	}
	m, ok := v.(map[string]any)
	if !ok || m["depth"] != float64(2) {
		t.Errorf("options = %#v, want map with depth=2", v)
	}
}

func TestResolver_UndeclaredField(t *testing.T) {
	r := NewResolver(testDescriptor(), nil, slog.Default()).WithLookupEnv(fakeEnv(nil))
	if _, err := r.Resolve("nope"); err == nil {
		t.Error("Resolve(nope): expected error for undeclared field")
	}
	if _, ok := r.ResolveOptional("nope"); ok {
		t.Error("ResolveOptional(nope): expected absent for undeclared field")
	}
}
