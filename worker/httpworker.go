package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/capstanhq/capstan/plugin"
)

// WorkerAPI is the client for a worker's own HTTP surface. Every call is
// bounded and fallible; the worker is a separate process that can hang or
// die at any point.
type WorkerAPI struct {
	baseURL string
	client  *http.Client
}

// NewWorkerAPI creates a client for a worker listening on the given port.
func NewWorkerAPI(port int, callTimeout time.Duration) *WorkerAPI {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &WorkerAPI{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: callTimeout},
	}
}

// Metadata is the readiness document served by a worker.
type Metadata struct {
	PluginID string `json:"plugin_id"`
	Version  string `json:"version,omitempty"`
	Ready    bool   `json:"ready"`
}

// Metadata probes the worker's readiness endpoint.
func (a *WorkerAPI) Metadata(ctx context.Context) (*Metadata, error) {
	var md Metadata
	if err := a.get(ctx, "/metadata", &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// ListTools fetches the worker's tool definitions.
func (a *WorkerAPI) ListTools(ctx context.Context) ([]plugin.ToolDef, error) {
	var out struct {
		Tools []plugin.ToolDef `json:"tools"`
	}
	if err := a.get(ctx, "/tools", &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes a named tool.
func (a *WorkerAPI) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error,omitempty"`
	}
	if err := a.post(ctx, "/tools/call", map[string]any{"name": name, "arguments": args}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("tool %s: %s", name, out.Error)
	}
	return out.Result, nil
}

// ValidateAuth asks the worker to verify credentials against the upstream
// service, e.g. before persisting them.
func (a *WorkerAPI) ValidateAuth(ctx context.Context, method string, credentials map[string]string) error {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}
	body := map[string]any{"method": method, "credentials": credentials}
	if err := a.post(ctx, "/auth/validate", body, &out); err != nil {
		return err
	}
	if !out.Valid {
		if out.Error == "" {
			out.Error = "credentials rejected"
		}
		return fmt.Errorf("auth validation failed: %s", out.Error)
	}
	return nil
}

// Disable notifies the worker it is being shut down so it can flush state.
func (a *WorkerAPI) Disable(ctx context.Context) error {
	return a.post(ctx, "/disable", map[string]any{}, nil)
}

func (a *WorkerAPI) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *WorkerAPI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *WorkerAPI) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("worker %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("worker %s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// httpProcWorker is a subprocess worker reached over its HTTP surface.
type httpProcWorker struct {
	api       *WorkerAPI
	proc      *os.Process
	exited    chan struct{}
	stopGrace time.Duration
}

func (w *httpProcWorker) ListTools(ctx context.Context) ([]plugin.ToolDef, error) {
	return w.api.ListTools(ctx)
}

func (w *httpProcWorker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return w.api.CallTool(ctx, name, args)
}

// Stop is two-phase: a best-effort disable plus SIGTERM, then SIGKILL once
// the grace window passes.
func (w *httpProcWorker) Stop(ctx context.Context) error {
	select {
	case <-w.exited:
		return nil
	default:
	}

	disableCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = w.api.Disable(disableCtx)
	cancel()

	_ = w.proc.Signal(syscall.SIGTERM)
	grace := time.NewTimer(w.stopGrace)
	defer grace.Stop()
	select {
	case <-w.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	_ = w.proc.Kill()
	<-w.exited
	return nil
}

// containerWorker is a container-backed worker reached over its published
// HTTP port.
type containerWorker struct {
	api         *WorkerAPI
	runner      *ContainerRunner
	containerID string
}

func (w *containerWorker) ListTools(ctx context.Context) ([]plugin.ToolDef, error) {
	return w.api.ListTools(ctx)
}

func (w *containerWorker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return w.api.CallTool(ctx, name, args)
}

func (w *containerWorker) Stop(ctx context.Context) error {
	disableCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = w.api.Disable(disableCtx)
	cancel()
	return w.runner.Stop(ctx, w.containerID)
}
