package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/capstanhq/capstan/events"
	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/tool"
	"github.com/capstanhq/capstan/worker"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var capErr *worker.CapacityError
	var cfgErr *plugin.NotConfiguredError
	var denied *tool.DeniedError
	switch {
	case errors.Is(err, instance.ErrNotFound), errors.Is(err, tool.ErrUnknownTool):
		return http.StatusNotFound
	case errors.As(err, &capErr):
		return http.StatusTooManyRequests
	case errors.As(err, &cfgErr):
		return http.StatusConflict
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, worker.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	out := make([]*plugin.Descriptor, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *plugin.Descriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.sup.Snapshot()})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	insts, err := s.store.ListForOrg(orgID, false)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": insts})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	orgID, pluginID := r.PathValue("org"), r.PathValue("plugin")
	if _, ok := s.descs[pluginID]; !ok {
		writeJSONError(w, http.StatusNotFound, "unknown plugin "+pluginID)
		return
	}
	inst, err := s.store.Enable(orgID, pluginID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleDisable soft-disables the instance and stops its worker if one is
// running.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	orgID, pluginID := r.PathValue("org"), r.PathValue("plugin")
	if err := s.store.Disable(orgID, pluginID); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if err := s.sup.StopWorker(r.Context(), orgID, pluginID); err != nil {
		s.logger.Warn("stop worker on disable", "org", orgID, "plugin", pluginID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// handleSettings applies an organization's settings payload. Sensitive and
// auth-bound fields are split into the encrypted auth store; the rest lands
// in the instance config.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	orgID, pluginID := r.PathValue("org"), r.PathValue("plugin")
	desc, ok := s.descs[pluginID]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown plugin "+pluginID)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid settings body")
		return
	}

	inst, err := s.store.ApplySettings(desc, orgID, payload)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	orgID, pluginID := r.PathValue("org"), r.PathValue("plugin")
	h, err := s.sup.StartWorker(r.Context(), orgID, pluginID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	orgID, pluginID := r.PathValue("org"), r.PathValue("plugin")
	if err := s.sup.StopWorker(r.Context(), orgID, pluginID); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	tools, err := s.router.ToolsForOrg(r.Context(), orgID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// callToolRequest is the body accepted by POST /api/orgs/{org}/tools/call.
type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid call body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "tool name is required")
		return
	}

	result, err := s.router.Execute(r.Context(), orgID, req.Name, req.Arguments)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policy.List(r.Context())
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var pol tool.Policy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid policy body")
		return
	}
	added, err := s.policy.Add(r.Context(), pol)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// workerMessage is the body workers POST to /internal/messages.
type workerMessage struct {
	Text string `json:"text"`
}

// handleWorkerMessage accepts a message from a worker with the "messages"
// capability and publishes it on the event bus. The token's scope names the
// sender; workers cannot impersonate other slots.
func (s *Server) handleWorkerMessage(w http.ResponseWriter, r *http.Request) {
	claims := callClaimsFrom(r.Context())
	if claims == nil {
		writeJSONError(w, http.StatusUnauthorized, "missing call token")
		return
	}
	desc, ok := s.descs[claims.PluginID]
	if !ok || !desc.HasCapability(plugin.CapMessages) {
		writeJSONError(w, http.StatusForbidden, "plugin lacks the messages capability")
		return
	}

	var msg workerMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if msg.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	if red := s.sup.Redactor(); red != nil {
		msg.Text = red.Redact(msg.Text)
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeWorkerMessage,
		OrgID:    claims.OrgID,
		PluginID: claims.PluginID,
		Detail:   msg.Text,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
