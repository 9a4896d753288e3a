// Package server implements the Capstan HTTP front door: admin API, the
// lifecycle event stream, and the internal callback API workers use.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/events"
	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
	"github.com/capstanhq/capstan/tool"
	"github.com/capstanhq/capstan/worker"
)

// Server is the Capstan HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	descs  map[string]*plugin.Descriptor
	store  *instance.Store
	sup    *worker.Supervisor
	router *tool.Router
	policy *tool.PolicyStore
	bus    *events.Bus
	tokens *worker.TokenIssuer

	sseMu      sync.RWMutex
	sseClients map[chan []byte]struct{}
	unsubBus   func()

	routesOnce sync.Once

	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// Options wire a Server's collaborators.
type Options struct {
	Config      *config.Config
	Descriptors map[string]*plugin.Descriptor
	Store       *instance.Store
	Supervisor  *worker.Supervisor
	Router      *tool.Router
	Policy      *tool.PolicyStore
	Bus         *events.Bus
	Tokens      *worker.TokenIssuer
	Version     string
	Logger      *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:        opts.Config,
		mux:        http.NewServeMux(),
		logger:     opts.Logger,
		descs:      opts.Descriptors,
		store:      opts.Store,
		sup:        opts.Supervisor,
		router:     opts.Router,
		policy:     opts.Policy,
		bus:        opts.Bus,
		tokens:     opts.Tokens,
		sseClients: make(map[chan []byte]struct{}),
		startTime:  time.Now(),
		version:    opts.Version,
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.routesOnce.Do(s.registerRoutes)
	if s.bus != nil {
		s.unsubBus = s.bus.Subscribe(s.broadcastEvent)
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubBus != nil {
		s.unsubBus()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux, used by tests to drive the server without
// a listener.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

func (s *Server) registerRoutes() {
	// Public routes
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE auth is handled inline because EventSource cannot set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Admin API behind session auth
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /api/auth/me", s.handleMe)
	adminMux.HandleFunc("GET /api/plugins", s.handleListPlugins)
	adminMux.HandleFunc("GET /api/workers", s.handleWorkers)
	adminMux.HandleFunc("GET /api/orgs/{org}/instances", s.handleListInstances)
	adminMux.HandleFunc("POST /api/orgs/{org}/plugins/{plugin}/enable", s.handleEnable)
	adminMux.HandleFunc("POST /api/orgs/{org}/plugins/{plugin}/disable", s.handleDisable)
	adminMux.HandleFunc("PUT /api/orgs/{org}/plugins/{plugin}/settings", s.handleSettings)
	adminMux.HandleFunc("POST /api/orgs/{org}/plugins/{plugin}/start", s.handleStartWorker)
	adminMux.HandleFunc("POST /api/orgs/{org}/plugins/{plugin}/stop", s.handleStopWorker)
	adminMux.HandleFunc("GET /api/orgs/{org}/tools", s.handleListTools)
	adminMux.HandleFunc("POST /api/orgs/{org}/tools/call", s.handleCallTool)
	adminMux.HandleFunc("GET /api/policies", s.handleListPolicies)
	adminMux.HandleFunc("POST /api/policies", s.handleAddPolicy)
	adminMux.HandleFunc("DELETE /api/policies/{id}", s.handleRemovePolicy)
	s.mux.Handle("/api/", s.authMiddleware(adminMux))

	// Internal callback API for workers, authenticated by call token
	internalMux := http.NewServeMux()
	internalMux.HandleFunc("POST /internal/messages", s.handleWorkerMessage)
	s.mux.Handle("/internal/", s.callTokenMiddleware(internalMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"plugins": len(s.descs),
	})
}

// handleSSE streams worker lifecycle events as Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// EventSource cannot set headers, so the session token rides the query
	// string. No token means no stream.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.verifySession(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	s.sseMu.Lock()
	s.sseClients[ch] = struct{}{}
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, ch)
		s.sseMu.Unlock()
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// broadcastEvent fans a lifecycle event out to connected SSE clients.
func (s *Server) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("broadcast event marshal", slog.Any("err", err))
		return
	}
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- data:
		default:
			// client channel full, skip
		}
	}
}
