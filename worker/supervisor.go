package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/capstanhq/capstan/config"
	"github.com/capstanhq/capstan/events"
	"github.com/capstanhq/capstan/instance"
	"github.com/capstanhq/capstan/plugin"
)

// entry is the supervisor's record for one worker slot. A nil handle with a
// non-nil err is the error state: terminal until a caller explicitly starts
// the worker again.
type entry struct {
	state        instance.RuntimeState
	handle       *Handle
	err          error
	ready        chan struct{} // closed when the start attempt settles
	lastActivity time.Time
}

// Status is a point-in-time view of one worker slot.
type Status struct {
	Key          Key                   `json:"key"`
	State        instance.RuntimeState `json:"state"`
	PID          int                   `json:"pid,omitempty"`
	ContainerID  string                `json:"container_id,omitempty"`
	Port         int                   `json:"port,omitempty"`
	Protocol     string                `json:"protocol,omitempty"`
	StartedAt    time.Time             `json:"started_at,omitzero"`
	LastActivity time.Time             `json:"last_activity,omitzero"`
	Error        string                `json:"error,omitempty"`
}

// SupervisorOptions wire a Supervisor's collaborators.
type SupervisorOptions struct {
	Config      config.WorkerConfig
	BaseURL     string // platform API URL handed to callback-capable workers
	Descriptors map[string]*plugin.Descriptor
	Store       *instance.Store
	Bus         *events.Bus
	Tokens      *TokenIssuer
	Redactor    *Redactor
	Containers  *ContainerRunner
	Logger      *slog.Logger
}

// Supervisor owns every running worker. It serializes starts per slot,
// enforces the per-plugin instance ceiling, watches exits, and reaps idle
// workers. Handles are memory-only; a daemon restart forgets everything and
// workers start again on demand.
type Supervisor struct {
	cfg        config.WorkerConfig
	baseURL    string
	descs      map[string]*plugin.Descriptor
	store      *instance.Store
	bus        *events.Bus
	tokens     *TokenIssuer
	redactor   *Redactor
	containers *ContainerRunner
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
}

// NewSupervisor creates a Supervisor. Call Run to start the sweep loop.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Redactor == nil {
		opts.Redactor = NewRedactor()
	}
	return &Supervisor{
		cfg:        opts.Config,
		baseURL:    opts.BaseURL,
		descs:      opts.Descriptors,
		store:      opts.Store,
		bus:        opts.Bus,
		tokens:     opts.Tokens,
		redactor:   opts.Redactor,
		containers: opts.Containers,
		logger:     opts.Logger,
		entries:    make(map[Key]*entry),
	}
}

// Redactor exposes the supervisor's secret redactor so other components can
// route log output through it.
func (s *Supervisor) Redactor() *Redactor { return s.redactor }

// StartWorker brings the slot's worker up, or returns the live handle when
// one is already running. Concurrent callers for the same slot are
// serialized: exactly one performs the start, the rest wait for its outcome.
// A slot in the error state is restarted; the call is the explicit retry.
func (s *Supervisor) StartWorker(ctx context.Context, orgID, pluginID string) (*Handle, error) {
	desc, ok := s.descs[pluginID]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", pluginID)
	}
	inst, err := s.store.Get(orgID, pluginID)
	if err != nil {
		return nil, err
	}
	if !inst.Enabled {
		return nil, fmt.Errorf("plugin %s is disabled for organization %s", pluginID, orgID)
	}

	key := Key{OrgID: orgID, PluginID: pluginID}
	s.mu.Lock()
	for {
		e, exists := s.entries[key]
		if !exists {
			break
		}
		switch e.state {
		case instance.StateReady, instance.StateDegraded:
			h := e.handle
			s.mu.Unlock()
			return h, nil
		case instance.StateStarting:
			readyCh := e.ready
			s.mu.Unlock()
			select {
			case <-readyCh:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.mu.Lock()
			continue
		case instance.StateError:
			delete(s.entries, key)
		}
		break
	}

	// Capacity is checked and the starting entry inserted under the same
	// lock hold, so racing starts cannot both pass the ceiling.
	running := 0
	for k, e := range s.entries {
		if k.PluginID == pluginID && e.state != instance.StateError {
			running++
		}
	}
	if limit := s.cfg.MaxInstancesPerPlugin; limit > 0 && running >= limit {
		s.mu.Unlock()
		return nil, &CapacityError{PluginID: pluginID, Limit: limit}
	}
	e := &entry{
		state:        instance.StateStarting,
		ready:        make(chan struct{}),
		lastActivity: time.Now(),
	}
	s.entries[key] = e
	s.mu.Unlock()

	s.setState(key, instance.StateStarting, "")

	handle, err := s.launch(ctx, key, desc, inst)

	s.mu.Lock()
	if err != nil {
		e.state = instance.StateError
		e.err = err
	} else {
		e.state = instance.StateReady
		e.handle = handle
	}
	close(e.ready)
	s.mu.Unlock()

	if err != nil {
		s.setState(key, instance.StateError, err.Error())
		return nil, err
	}
	s.setState(key, instance.StateReady, "")

	// The exit watcher starts only after the handle is published, so an
	// immediate crash still finds the entry it must mark.
	if handle.wait != nil {
		go func() {
			s.onExit(key, handle, handle.wait())
		}()
	}
	return handle, nil
}

// StopWorker tears the slot's worker down. Stopping a slot that is not
// running is a no-op.
func (s *Supervisor) StopWorker(ctx context.Context, orgID, pluginID string) error {
	key := Key{OrgID: orgID, PluginID: pluginID}
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		if e.state == instance.StateStarting {
			readyCh := e.ready
			s.mu.Unlock()
			select {
			case <-readyCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		handle := e.handle
		delete(s.entries, key)
		s.mu.Unlock()

		s.setState(key, instance.StateStopped, "")
		if handle != nil {
			return handle.Worker().Stop(ctx)
		}
		return nil
	}
}

// GetWorker returns the slot's live handle. It never starts anything:
// a stopped or failed slot yields ErrNotRunning immediately.
func (s *Supervisor) GetWorker(orgID, pluginID string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[Key{OrgID: orgID, PluginID: pluginID}]
	if !ok || e.handle == nil || (e.state != instance.StateReady && e.state != instance.StateDegraded) {
		return nil, ErrNotRunning
	}
	return e.handle, nil
}

// Lookup resolves the slot's live worker, hiding the handle. Callers that
// only need to talk to the worker use this instead of GetWorker.
func (s *Supervisor) Lookup(orgID, pluginID string) (Worker, error) {
	h, err := s.GetWorker(orgID, pluginID)
	if err != nil {
		return nil, err
	}
	return h.Worker(), nil
}

// Touch records tool activity on the slot, deferring the idle sweep.
func (s *Supervisor) Touch(orgID, pluginID string) {
	now := time.Now()
	key := Key{OrgID: orgID, PluginID: pluginID}
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.lastActivity = now
	}
	s.mu.Unlock()
	if err := s.store.Touch(orgID, pluginID, now); err != nil {
		s.logger.Warn("record activity", "worker", key.String(), "error", err)
	}
}

// Snapshot lists every tracked slot.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for k, e := range s.entries {
		st := Status{Key: k, State: e.state, LastActivity: e.lastActivity}
		if e.handle != nil {
			st.PID = e.handle.PID
			st.ContainerID = e.handle.ContainerID
			st.Port = e.handle.Port
			st.Protocol = e.handle.Protocol
			st.StartedAt = e.handle.StartedAt
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Run drives the idle sweep and health probes until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle(ctx)
			s.probeHealth(ctx)
		}
	}
}

// StopAll stops every running worker, used at daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			if err := s.StopWorker(ctx, k.OrgID, k.PluginID); err != nil {
				s.logger.Warn("stop worker", "worker", k.String(), "error", err)
			}
		}(k)
	}
	wg.Wait()
}

// launch resolves configuration, builds the sealed environment, and spawns
// the worker by protocol. It blocks until the worker is ready or the start
// fails.
func (s *Supervisor) launch(ctx context.Context, key Key, desc *plugin.Descriptor, inst *instance.Instance) (*Handle, error) {
	auth, err := s.store.GetAuth(inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load auth state: %w", err)
	}

	values := make(map[string]any, len(inst.Config)+len(auth.Credentials))
	for k, v := range inst.Config {
		values[k] = v
	}
	for k, v := range auth.Credentials {
		values[k] = v
	}
	resolved, err := plugin.NewResolver(desc, values, s.logger).ResolveAll()
	if err != nil {
		return nil, err
	}

	authFields := desc.AuthFields()
	for name := range authFields {
		if v, ok := resolved[name].(string); ok {
			s.redactor.AddSecret(desc.ID+"."+name, v)
		}
	}

	spec := EnvSpec{
		Capabilities: desc.Capabilities,
		OrgID:        key.OrgID,
		PluginID:     key.PluginID,
		Config:       ConfigEnv(desc, resolved),
		BaseURL:      s.baseURL,
	}
	if desc.HasCapability(plugin.CapRoutes) || desc.HasCapability(plugin.CapMessages) {
		token, err := s.tokens.Issue(key.OrgID, key.PluginID)
		if err != nil {
			return nil, err
		}
		spec.CallToken = token
		s.redactor.AddSecret("call-token", token)
	}

	proto := desc.Protocol()
	needPort := proto == plugin.ProtocolHTTP || desc.HasCapability(plugin.CapRoutes)
	port := 0
	if needPort {
		port, err = AllocatePort()
		if err != nil {
			return nil, err
		}
		spec.Port = port
	}

	env := BuildEnv(spec)
	// HTTP workers serve the platform-facing surface on this port even when
	// they declare no routes of their own.
	if proto == plugin.ProtocolHTTP && port > 0 {
		env[EnvPort] = strconv.Itoa(port)
	}

	switch {
	case desc.Runtime.Image != "":
		return s.launchContainer(ctx, key, desc, env, port)
	case proto == plugin.ProtocolBridged:
		return s.launchBridged(ctx, key, desc, env)
	default:
		return s.launchHTTPProc(ctx, key, desc, env, port)
	}
}

func (s *Supervisor) launchBridged(ctx context.Context, key Key, desc *plugin.Descriptor, env map[string]string) (*Handle, error) {
	b := NewBridge(BridgeOptions{
		Argv:        desc.Runtime.Command,
		Dir:         desc.Runtime.WorkDir,
		Env:         Flatten(env),
		Logger:      s.logger.With("worker", key.String()),
		Redactor:    s.redactor,
		CallTimeout: s.cfg.CallTimeout,
		StopGrace:   s.cfg.StopGrace,
	})
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	h := &Handle{
		Key:       key,
		PID:       b.PID(),
		Protocol:  plugin.ProtocolBridged,
		StartedAt: time.Now(),
		worker:    b,
		wait: func() error {
			<-b.Done()
			return b.ExitErr()
		},
	}
	return h, nil
}

func (s *Supervisor) launchHTTPProc(ctx context.Context, key Key, desc *plugin.Descriptor, env map[string]string, port int) (*Handle, error) {
	if len(desc.Runtime.Command) == 0 {
		return nil, fmt.Errorf("plugin %s: no command to run", desc.ID)
	}
	cmd := exec.Command(desc.Runtime.Command[0], desc.Runtime.Command[1:]...)
	cmd.Dir = desc.Runtime.WorkDir
	cmd.Env = Flatten(env)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", desc.Runtime.Command[0], err)
	}

	exited := make(chan struct{})
	var exitErr error
	go func() {
		exitErr = cmd.Wait()
		close(exited)
	}()

	api := NewWorkerAPI(port, s.cfg.CallTimeout)
	if err := s.probeReady(ctx, api, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}

	w := &httpProcWorker{
		api:       api,
		proc:      cmd.Process,
		exited:    exited,
		stopGrace: s.cfg.StopGrace,
	}
	h := &Handle{
		Key:       key,
		PID:       cmd.Process.Pid,
		Port:      port,
		Protocol:  plugin.ProtocolHTTP,
		StartedAt: time.Now(),
		worker:    w,
		wait: func() error {
			<-exited
			return exitErr
		},
	}
	return h, nil
}

func (s *Supervisor) launchContainer(ctx context.Context, key Key, desc *plugin.Descriptor, env map[string]string, port int) (*Handle, error) {
	if s.containers == nil || !s.containers.IsAvailable() {
		return nil, fmt.Errorf("plugin %s: container runtime not available", desc.ID)
	}
	name := "capstan-" + key.OrgID + "-" + key.PluginID
	containerID, err := s.containers.Start(ctx, ContainerSpec{
		Image: desc.Runtime.Image,
		Name:  name,
		Env:   env,
		Port:  port,
	})
	if err != nil {
		return nil, err
	}

	api := NewWorkerAPI(port, s.cfg.CallTimeout)
	if err := s.probeReady(ctx, api, nil); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.containers.Stop(stopCtx, containerID)
		return nil, err
	}

	w := &containerWorker{api: api, runner: s.containers, containerID: containerID}
	h := &Handle{
		Key:         key,
		ContainerID: containerID,
		Port:        port,
		Protocol:    plugin.ProtocolHTTP,
		StartedAt:   time.Now(),
		worker:      w,
	}
	return h, nil
}

// probeReady polls the worker's metadata endpoint until it answers ready,
// the attempt budget runs out, or the process dies first.
func (s *Supervisor) probeReady(ctx context.Context, api *WorkerAPI, exited <-chan struct{}) error {
	attempts := s.cfg.ProbeAttempts
	if attempts <= 0 {
		attempts = 20
	}
	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, interval*4)
		md, err := api.Metadata(probeCtx)
		cancel()
		if err == nil && md.Ready {
			return nil
		}
		if err == nil {
			lastErr = errors.New("worker reports not ready")
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("worker exited before becoming ready: %w", lastErr)
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("worker not ready after %d probes: %w", attempts, lastErr)
}

// onExit handles a worker process ending on its own. Deliberate stops remove
// the entry before signaling the process, so an entry still holding this
// handle means the exit was unsupervised.
func (s *Supervisor) onExit(key Key, h *Handle, exitErr error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.handle != h {
		s.mu.Unlock()
		return
	}
	if exitErr == nil {
		delete(s.entries, key)
	} else {
		e.state = instance.StateError
		e.handle = nil
		e.err = fmt.Errorf("worker exited: %w", exitErr)
	}
	s.mu.Unlock()

	if exitErr == nil {
		s.setState(key, instance.StateStopped, "clean exit")
	} else {
		s.setState(key, instance.StateError, exitErr.Error())
	}
	s.publish(events.Event{
		Type:     events.TypeWorkerExit,
		OrgID:    key.OrgID,
		PluginID: key.PluginID,
		Detail:   errDetail(exitErr),
	})
}

// sweepIdle stops workers whose last tool activity is older than the idle
// timeout.
func (s *Supervisor) sweepIdle(ctx context.Context) {
	timeout := s.cfg.IdleTimeout
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)

	s.mu.Lock()
	var idle []Key
	for k, e := range s.entries {
		running := e.state == instance.StateReady || e.state == instance.StateDegraded
		if running && e.lastActivity.Before(cutoff) {
			idle = append(idle, k)
		}
	}
	s.mu.Unlock()

	for _, k := range idle {
		s.logger.Info("stopping idle worker", "worker", k.String())
		if err := s.StopWorker(ctx, k.OrgID, k.PluginID); err != nil {
			s.logger.Warn("idle sweep stop", "worker", k.String(), "error", err)
			continue
		}
		s.publish(events.Event{
			Type:     events.TypeIdleSweep,
			OrgID:    k.OrgID,
			PluginID: k.PluginID,
			State:    string(instance.StateStopped),
		})
	}
}

// probeHealth checks HTTP-backed workers and flips them between ready and
// degraded. Bridged workers are covered by their exit watcher instead.
func (s *Supervisor) probeHealth(ctx context.Context) {
	type probe struct {
		key Key
		api *WorkerAPI
	}
	s.mu.Lock()
	var probes []probe
	for k, e := range s.entries {
		if e.handle == nil || e.handle.Port == 0 {
			continue
		}
		if e.state != instance.StateReady && e.state != instance.StateDegraded {
			continue
		}
		switch w := e.handle.worker.(type) {
		case *httpProcWorker:
			probes = append(probes, probe{key: k, api: w.api})
		case *containerWorker:
			probes = append(probes, probe{key: k, api: w.api})
		}
	}
	s.mu.Unlock()

	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		md, err := p.api.Metadata(probeCtx)
		cancel()
		healthy := err == nil && md.Ready

		s.mu.Lock()
		e, ok := s.entries[p.key]
		if !ok {
			s.mu.Unlock()
			continue
		}
		var next instance.RuntimeState
		switch {
		case healthy && e.state == instance.StateDegraded:
			next = instance.StateReady
		case !healthy && e.state == instance.StateReady:
			next = instance.StateDegraded
		default:
			s.mu.Unlock()
			continue
		}
		e.state = next
		s.mu.Unlock()

		detail := ""
		if err != nil {
			detail = err.Error()
		}
		s.setState(p.key, next, detail)
	}
}

// setState persists the instance's runtime state and publishes the change.
func (s *Supervisor) setState(key Key, state instance.RuntimeState, detail string) {
	if err := s.store.SetState(key.OrgID, key.PluginID, state); err != nil {
		s.logger.Warn("persist worker state", "worker", key.String(), "state", state, "error", err)
	}
	s.publish(events.Event{
		Type:     events.TypeStateChange,
		OrgID:    key.OrgID,
		PluginID: key.PluginID,
		State:    string(state),
		Detail:   detail,
	})
	s.logger.Info("worker state", "worker", key.String(), "state", state)
}

func (s *Supervisor) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func errDetail(err error) string {
	if err == nil {
		return "clean exit"
	}
	return err.Error()
}
