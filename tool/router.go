// Package tool aggregates the tools exposed by an organization's running
// workers and routes tool calls to the worker that owns them. The router
// never starts a worker: execution against a stopped plugin fails fast and
// the caller decides whether to start it.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/worker"
)

// Descriptor identifies one callable tool. Identity is the triple
// (plugin id, server id, tool name); the server id names the worker slot
// serving the tool.
type Descriptor struct {
	PluginID    string          `json:"plugin_id"`
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Static      bool            `json:"static,omitempty"` // declared in the manifest, not discovered live
}

// Workers is the slice of the supervisor the router needs.
type Workers interface {
	Lookup(orgID, pluginID string) (worker.Worker, error)
	Touch(orgID, pluginID string)
}

// ErrUnknownTool is returned when no enabled plugin exposes the tool.
var ErrUnknownTool = errors.New("unknown tool")

// DeniedError reports a policy rejection.
type DeniedError struct {
	Tool   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %q denied: %s", e.Tool, e.Reason)
}

// RouterOptions wire a Router.
type RouterOptions struct {
	Descriptors      map[string]*plugin.Descriptor
	Store            *instance.Store
	Workers          Workers
	Policy           *PolicyStore
	Logger           *slog.Logger
	DiscoveryTimeout time.Duration // default 5s
	ExecTimeout      time.Duration // default 30s
}

// Router lists and executes tools for organizations.
type Router struct {
	descs            map[string]*plugin.Descriptor
	store            *instance.Store
	workers          Workers
	policy           *PolicyStore
	logger           *slog.Logger
	discoveryTimeout time.Duration
	execTimeout      time.Duration
}

// NewRouter creates a Router.
func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 5 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	return &Router{
		descs:            opts.Descriptors,
		store:            opts.Store,
		workers:          opts.Workers,
		policy:           opts.Policy,
		logger:           opts.Logger,
		discoveryTimeout: opts.DiscoveryTimeout,
		execTimeout:      opts.ExecTimeout,
	}
}

// ToolsForOrg returns every tool the organization's enabled plugins expose.
// Running workers are asked live, since tool lists change between plugin
// versions; plugins without a running worker fall back to their static
// declarations, which costs no process I/O.
func (r *Router) ToolsForOrg(ctx context.Context, orgID string) ([]Descriptor, error) {
	insts, err := r.store.ListForOrg(orgID, true)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, inst := range insts {
		desc, ok := r.descs[inst.PluginID]
		if !ok {
			r.logger.Warn("enabled instance references unknown plugin", "plugin", inst.PluginID, "org", orgID)
			continue
		}
		serverID := orgID + "/" + inst.PluginID

		w, err := r.workers.Lookup(orgID, inst.PluginID)
		if err == nil {
			listCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
			tools, listErr := w.ListTools(listCtx)
			cancel()
			if listErr == nil {
				for _, t := range tools {
					out = append(out, Descriptor{
						PluginID:    inst.PluginID,
						ServerID:    serverID,
						Name:        t.Name,
						Description: t.Description,
						InputSchema: t.InputSchema,
					})
				}
				continue
			}
			r.logger.Warn("live tool discovery failed, using static declarations",
				"plugin", inst.PluginID, "org", orgID, "error", listErr)
		}

		for _, t := range desc.Runtime.StaticTools {
			out = append(out, Descriptor{
				PluginID:    inst.PluginID,
				ServerID:    serverID,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Static:      true,
			})
		}
	}
	return out, nil
}

// Execute routes a tool call to the worker that owns the tool. The owning
// plugin is resolved from live workers first; a tool found only in a stopped
// plugin's static declarations fails with ErrNotRunning rather than starting
// anything. Results and errors from the worker are surfaced verbatim.
func (r *Router) Execute(ctx context.Context, orgID, toolName string, args map[string]any) (json.RawMessage, error) {
	insts, err := r.store.ListForOrg(orgID, true)
	if err != nil {
		return nil, err
	}

	staticOwner := ""
	for _, inst := range insts {
		desc, ok := r.descs[inst.PluginID]
		if !ok {
			continue
		}

		w, err := r.workers.Lookup(orgID, inst.PluginID)
		if err != nil {
			if staticOwner == "" && hasStaticTool(desc, toolName) {
				staticOwner = inst.PluginID
			}
			continue
		}

		listCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
		tools, listErr := w.ListTools(listCtx)
		cancel()
		if listErr != nil {
			r.logger.Warn("tool discovery during execute", "plugin", inst.PluginID, "error", listErr)
			continue
		}
		if !containsTool(tools, toolName) {
			continue
		}

		if r.policy != nil {
			allowed, reason := r.policy.Allowed(ctx, orgID, inst.PluginID, toolName)
			if !allowed {
				return nil, &DeniedError{Tool: toolName, Reason: reason}
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
		defer cancel()
		result, callErr := w.CallTool(execCtx, toolName, args)
		if callErr != nil {
			return nil, callErr
		}
		r.workers.Touch(orgID, inst.PluginID)
		return result, nil
	}

	if staticOwner != "" {
		return nil, fmt.Errorf("tool %q belongs to plugin %s but its worker is not running: %w",
			toolName, staticOwner, worker.ErrNotRunning)
	}
	return nil, fmt.Errorf("%w: %q for organization %s", ErrUnknownTool, toolName, orgID)
}

func hasStaticTool(desc *plugin.Descriptor, name string) bool {
	for _, t := range desc.Runtime.StaticTools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func containsTool(tools []plugin.ToolDef, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
