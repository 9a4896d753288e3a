package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/events"
	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/tool"
	"github.com/capstanhq/capstan/worker"
)

const testPassword = "hunter2-but-longer"

func newTestServer(t *testing.T) (*Server, *instance.Store) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AdminUser = "admin"
	cfg.Auth.AdminPass = string(hash)

	store, err := instance.NewStore(filepath.Join(t.TempDir(), "capstan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policy, err := tool.NewPolicyStore(store.DB())
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}

	descs := map[string]*plugin.Descriptor{
		"slack": {
			ID:           "slack",
			Capabilities: []string{plugin.CapTools, plugin.CapMessages},
			ConfigSchema: map[string]plugin.FieldSpec{
				"channel": {Type: "string"},
				"token":   {Type: "string", Sensitive: true},
			},
			AuthMethods: []plugin.AuthMethod{{Type: plugin.AuthAPIKey, KeyField: "token"}},
			Runtime:     plugin.RuntimeSpec{Command: []string{"slack-worker"}},
		},
		"jira": {
			ID:           "jira",
			Capabilities: []string{plugin.CapTools},
			Runtime: plugin.RuntimeSpec{
				Command:     []string{"jira-worker"},
				StaticTools: []plugin.ToolDef{{Name: "jira_search"}},
			},
		},
	}

	bus := events.NewBus()
	tokens := worker.NewTokenIssuer(cfg.Auth.JWTSecret, time.Hour)
	sup := worker.NewSupervisor(worker.SupervisorOptions{
		Config:      cfg.Workers,
		BaseURL:     cfg.InternalBaseURL(),
		Descriptors: descs,
		Store:       store,
		Bus:         bus,
		Tokens:      tokens,
	})
	router := tool.NewRouter(tool.RouterOptions{
		Descriptors: descs,
		Store:       store,
		Workers:     sup,
		Policy:      policy,
	})

	srv := New(Options{
		Config:      cfg,
		Descriptors: descs,
		Store:       store,
		Supervisor:  sup,
		Router:      router,
		Policy:      policy,
		Bus:         bus,
		Tokens:      tokens,
		Version:     "test",
	})
	return srv, store
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": testPassword})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response: %v", err)
	}
	return resp["token"]
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if tok := login(t, h); tok == "" {
		t.Fatal("empty session token")
	}

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", rec.Code)
	}
}

func TestAdminAPIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/plugins", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a session", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/plugins", login(t, h), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with a session: %s", rec.Code, rec.Body)
	}
}

func TestEnableAndListInstances(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/orgs/org-1/plugins/slack/enable", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/orgs/org-1/plugins/nonexistent/enable", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown plugin status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/orgs/org-1/instances", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp struct {
		Instances []instance.Instance `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Instances) != 1 || resp.Instances[0].PluginID != "slack" {
		t.Errorf("instances = %+v", resp.Instances)
	}
}

func TestSettingsSplitAuthFromConfig(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := login(t, h)

	doJSON(t, h, http.MethodPost, "/api/orgs/org-1/plugins/slack/enable", token, nil)
	rec := doJSON(t, h, http.MethodPut, "/api/orgs/org-1/plugins/slack/settings", token,
		map[string]any{"channel": "#general", "token": "xoxb-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status = %d: %s", rec.Code, rec.Body)
	}

	inst, err := store.Get("org-1", "slack")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Config["channel"] != "#general" {
		t.Errorf("config = %v", inst.Config)
	}
	if _, ok := inst.Config["token"]; ok {
		t.Error("sensitive field leaked into plain config")
	}

	auth, err := store.GetAuth(inst.ID)
	if err != nil {
		t.Fatalf("get auth: %v", err)
	}
	if auth.Credentials["token"] != "xoxb-secret" {
		t.Errorf("auth credentials = %v", auth.Credentials)
	}
}

func TestCallUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h)

	doJSON(t, h, http.MethodPost, "/api/orgs/org-1/plugins/jira/enable", token, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/orgs/org-1/tools/call", token,
		map[string]any{"name": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tool status = %d, want 404: %s", rec.Code, rec.Body)
	}

	// A statically declared tool with no running worker fails fast, it does
	// not trigger a start.
	rec = doJSON(t, h, http.MethodPost, "/api/orgs/org-1/tools/call", token,
		map[string]any{"name": "jira_search"})
	if rec.Code != http.StatusConflict {
		t.Errorf("stopped worker status = %d, want 409: %s", rec.Code, rec.Body)
	}
}

func TestStaticToolsListedWithoutWorker(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := login(t, h)

	doJSON(t, h, http.MethodPost, "/api/orgs/org-1/plugins/jira/enable", token, nil)
	rec := doJSON(t, h, http.MethodGet, "/api/orgs/org-1/tools", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools status = %d", rec.Code)
	}
	var resp struct {
		Tools []tool.Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tools) != 1 || resp.Tools[0].Name != "jira_search" || !resp.Tools[0].Static {
		t.Errorf("tools = %+v", resp.Tools)
	}
}

func TestSSERequiresSessionToken(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?token=garbage", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?token="+login(t, h), nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Errorf("session token status = %d, want 200", rec.Code)
	}
}

func TestInternalMessageAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/internal/messages", "", map[string]string{"text": "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	// An admin session token is not a call token.
	rec = doJSON(t, h, http.MethodPost, "/internal/messages", login(t, h), map[string]string{"text": "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("session token status = %d, want 401", rec.Code)
	}

	slackTok, err := srv.tokens.Issue("org-1", "slack")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/internal/messages", slackTok, map[string]string{"text": "hi"})
	if rec.Code != http.StatusAccepted {
		t.Errorf("valid token status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if hist := srv.bus.History(1); len(hist) != 1 || hist[0].Type != events.TypeWorkerMessage {
		t.Errorf("history = %+v", hist)
	}

	// jira lacks the messages capability.
	jiraTok, err := srv.tokens.Issue("org-1", "jira")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/internal/messages", jiraTok, map[string]string{"text": "hi"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("capability status = %d, want 403", rec.Code)
	}
}
