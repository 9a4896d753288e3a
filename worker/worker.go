// Package worker spawns, supervises, and tears down per-organization plugin
// worker processes. The Supervisor owns the handle table; the Bridge speaks
// line-delimited JSON-RPC to stdio workers; HTTP-backed and container-backed
// workers are reached through their own HTTP surface. All three satisfy the
// same Worker contract, so callers never see the process topology.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capstanhq/capstan/plugin"
)

// Key identifies one (organization, plugin) worker slot.
type Key struct {
	OrgID    string `json:"org_id"`
	PluginID string `json:"plugin_id"`
}

func (k Key) String() string { return k.OrgID + "/" + k.PluginID }

// Worker is the fixed contract every running worker implements, regardless
// of transport.
type Worker interface {
	// ListTools fetches the worker's live tool definitions.
	ListTools(ctx context.Context) ([]plugin.ToolDef, error)

	// CallTool invokes a named tool and returns its raw result.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	// Stop shuts the worker down: graceful first, forceful past the grace
	// window. Safe to call more than once.
	Stop(ctx context.Context) error
}

// Handle ties a running worker to its plugin instance. Handles are
// in-memory only; after a platform restart every worker is considered
// stopped and is lazily restarted on demand.
type Handle struct {
	Key         Key       `json:"key"`
	PID         int       `json:"pid,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	Port        int       `json:"port,omitempty"`
	Protocol    string    `json:"protocol"`
	StartedAt   time.Time `json:"started_at"`

	worker Worker

	// wait blocks until the underlying process exits and reports how.
	// Nil for workers without a watchable process.
	wait func() error
}

// Worker returns the transport-specific worker behind the handle.
func (h *Handle) Worker() Worker { return h.worker }

// ErrNotRunning is returned when an operation requires a running worker.
var ErrNotRunning = errors.New("worker not running")

// ErrStopped is the failure delivered to calls pending when a worker stops.
var ErrStopped = errors.New("worker stopped")

// CapacityError reports that a plugin is already at its concurrent instance
// ceiling. Callers get it immediately; nothing is queued.
type CapacityError struct {
	PluginID string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("plugin %q: instance limit %d reached", e.PluginID, e.Limit)
}
