package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/worker"
)

// fakeWorker implements worker.Worker in-process.
type fakeWorker struct {
	tools  []plugin.ToolDef
	result json.RawMessage
	err    error
	calls  []string
}

func (f *fakeWorker) ListTools(ctx context.Context) ([]plugin.ToolDef, error) {
	return f.tools, nil
}

func (f *fakeWorker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	return f.result, f.err
}

func (f *fakeWorker) Stop(ctx context.Context) error { return nil }

// fakeWorkers resolves workers from a fixed map and counts touches.
type fakeWorkers struct {
	running map[string]*fakeWorker // plugin id -> worker
	touched []string
}

func (f *fakeWorkers) Lookup(orgID, pluginID string) (worker.Worker, error) {
	w, ok := f.running[pluginID]
	if !ok {
		return nil, worker.ErrNotRunning
	}
	return w, nil
}

func (f *fakeWorkers) Touch(orgID, pluginID string) {
	f.touched = append(f.touched, orgID+"/"+pluginID)
}

func newTestStore(t *testing.T) *instance.Store {
	t.Helper()
	store, err := instance.NewStore(filepath.Join(t.TempDir(), "capstan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDescriptors() map[string]*plugin.Descriptor {
	return map[string]*plugin.Descriptor{
		"slack": {
			ID:           "slack",
			Capabilities: []string{plugin.CapTools},
			Runtime:      plugin.RuntimeSpec{Command: []string{"slack-worker"}},
		},
		"jira": {
			ID:           "jira",
			Capabilities: []string{plugin.CapTools},
			Runtime: plugin.RuntimeSpec{
				Command: []string{"jira-worker"},
				StaticTools: []plugin.ToolDef{
					{Name: "jira_search", Description: "search issues"},
				},
			},
		},
	}
}

func TestRouter_ToolsForOrg_LiveAndStatic(t *testing.T) {
	store := newTestStore(t)
	for _, p := range []string{"slack", "jira"} {
		if _, err := store.Enable("org-1", p); err != nil {
			t.Fatalf("enable %s: %v", p, err)
		}
	}

	workers := &fakeWorkers{running: map[string]*fakeWorker{
		"slack": {tools: []plugin.ToolDef{{Name: "slack_post", Description: "post a message"}}},
	}}
	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     workers,
	})

	tools, err := r.ToolsForOrg(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("ToolsForOrg: %v", err)
	}

	byName := map[string]Descriptor{}
	for _, d := range tools {
		byName[d.Name] = d
	}
	live, ok := byName["slack_post"]
	if !ok || live.Static {
		t.Errorf("slack_post should be discovered live: %+v", byName)
	}
	static, ok := byName["jira_search"]
	if !ok || !static.Static {
		t.Errorf("jira_search should come from static declarations: %+v", byName)
	}
	if live.ServerID != "org-1/slack" || live.PluginID != "slack" {
		t.Errorf("identity = %+v", live)
	}
}

func TestRouter_Execute(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enable("org-1", "slack"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	fw := &fakeWorker{
		tools:  []plugin.ToolDef{{Name: "slack_post"}},
		result: json.RawMessage(`{"ok":true}`),
	}
	workers := &fakeWorkers{running: map[string]*fakeWorker{"slack": fw}}
	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     workers,
	})

	res, err := r.Execute(context.Background(), "org-1", "slack_post", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `{"ok":true}` {
		t.Errorf("result = %s", res)
	}
	if len(workers.touched) != 1 || workers.touched[0] != "org-1/slack" {
		t.Errorf("activity not recorded: %v", workers.touched)
	}
}

func TestRouter_Execute_WorkerErrorVerbatim(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enable("org-1", "slack"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	wantErr := fmt.Errorf("channel not found")
	fw := &fakeWorker{tools: []plugin.ToolDef{{Name: "slack_post"}}, err: wantErr}
	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     &fakeWorkers{running: map[string]*fakeWorker{"slack": fw}},
	})

	_, err := r.Execute(context.Background(), "org-1", "slack_post", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the worker's error verbatim", err)
	}
}

func TestRouter_Execute_NeverStartsStoppedWorker(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enable("org-1", "jira"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     &fakeWorkers{running: map[string]*fakeWorker{}},
	})

	_, err := r.Execute(context.Background(), "org-1", "jira_search", nil)
	if !errors.Is(err, worker.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning for a statically declared tool", err)
	}
}

func TestRouter_Execute_UnknownTool(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enable("org-1", "slack"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     &fakeWorkers{running: map[string]*fakeWorker{}},
	})

	_, err := r.Execute(context.Background(), "org-1", "nope", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestRouter_Execute_PolicyDeny(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enable("org-1", "slack"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	policy, err := NewPolicyStore(store.DB())
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	if _, err := policy.Add(context.Background(), Policy{
		Scope: ScopeOrg, OrgID: "org-1", Pattern: "slack_post", Action: ActionDeny,
	}); err != nil {
		t.Fatalf("add policy: %v", err)
	}

	fw := &fakeWorker{tools: []plugin.ToolDef{{Name: "slack_post"}}, result: json.RawMessage(`{}`)}
	r := NewRouter(RouterOptions{
		Descriptors: testDescriptors(),
		Store:       store,
		Workers:     &fakeWorkers{running: map[string]*fakeWorker{"slack": fw}},
		Policy:      policy,
	})

	_, err = r.Execute(context.Background(), "org-1", "slack_post", nil)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *DeniedError", err)
	}
	if len(fw.calls) != 0 {
		t.Error("denied tool must not reach the worker")
	}
}
