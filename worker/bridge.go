package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/capstanhq/capstan/plugin"
)

// JSON-RPC 2.0 framing, one object per line.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by a worker.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// maxLineBytes bounds a single stdout line; responses beyond this are a
// protocol violation, not a legitimate payload.
const maxLineBytes = 4 * 1024 * 1024

// Bridge owns one child process's standard streams and correlates
// line-delimited JSON-RPC responses to pending calls by id. Responses may
// arrive in any order; correlation is id-based, never queue-based, and each
// call's result is delivered to its own waiter exactly once.
type Bridge struct {
	argv        []string
	dir         string
	env         []string
	logger      *slog.Logger
	redactor    *Redactor
	callTimeout time.Duration
	stopGrace   time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes stdin writes. It is never taken together with mu,
	// so a write blocked on a full pipe cannot wedge response dispatch or
	// Stop.
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	stopped bool

	exited  chan struct{}
	exitErr error
}

// BridgeOptions configure a Bridge.
type BridgeOptions struct {
	Argv        []string
	Dir         string
	Env         []string // complete environment; see BuildEnv
	Logger      *slog.Logger
	Redactor    *Redactor
	CallTimeout time.Duration // default 30s
	StopGrace   time.Duration // default 5s
}

// NewBridge prepares a bridge for the given worker command. Start launches it.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Bridge{
		argv:        opts.Argv,
		dir:         opts.Dir,
		env:         opts.Env,
		logger:      opts.Logger,
		redactor:    opts.Redactor,
		callTimeout: opts.CallTimeout,
		stopGrace:   opts.StopGrace,
		pending:     make(map[int64]chan *rpcResponse),
		exited:      make(chan struct{}),
	}
}

// Start spawns the worker, wires its streams, and performs the initialize
// handshake. The bridge is usable only after Start returns nil.
func (b *Bridge) Start(ctx context.Context) error {
	cmd := exec.Command(b.argv[0], b.argv[1:]...)
	cmd.Dir = b.dir
	cmd.Env = b.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", b.argv[0], err)
	}
	b.cmd = cmd
	b.stdin = stdin

	go b.readLoop(stdout)
	go b.stderrLoop(stderr)
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.exitErr = err
		b.failPendingLocked()
		b.mu.Unlock()
		close(b.exited)
	}()

	if _, err := b.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "capstand"},
	}); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), b.stopGrace)
		defer cancel()
		_ = b.Stop(stopCtx)
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return nil
}

// PID returns the worker's process id, or 0 before Start.
func (b *Bridge) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Done is closed when the worker process exits for any reason.
func (b *Bridge) Done() <-chan struct{} { return b.exited }

// ExitErr reports how the process exited; valid once Done is closed.
func (b *Bridge) ExitErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

// readLoop splits stdout into lines and dispatches responses. A response
// spanning multiple pipe reads is buffered until its newline arrives. A
// malformed line is logged and skipped; an unmatched id is logged and
// dropped. Neither terminates the bridge.
func (b *Bridge) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			b.logger.Warn("bridge: skipping malformed line", "error", err)
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("bridge: dropping response with unknown id", "id", resp.ID)
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn("bridge: stdout read error", "error", err)
	}
}

// stderrLoop relays worker diagnostics to structured logging, redacted.
func (b *Bridge) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		text := scanner.Text()
		if b.redactor != nil {
			text = b.redactor.Redact(text)
		}
		b.logger.Info("worker stderr", "line", text)
	}
}

// call writes one request and waits for its correlated response or deadline.
// The write itself races the deadline: a worker that stops draining stdin
// leaves the write blocked on a full pipe, and the deadline still fires.
// Stop closes stdin, which unblocks any stuck writer.
func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrStopped
	}
	b.nextID++
	id := b.nextID
	ch := make(chan *rpcResponse, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	writeDone := make(chan error, 1)
	go func() {
		b.writeMu.Lock()
		_, werr := b.stdin.Write(append(payload, '\n'))
		b.writeMu.Unlock()
		writeDone <- werr
	}()

	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()

	for {
		select {
		case werr := <-writeDone:
			if werr != nil {
				b.forget(id)
				b.mu.Lock()
				stopped := b.stopped
				b.mu.Unlock()
				if stopped {
					return nil, ErrStopped
				}
				return nil, fmt.Errorf("write request: %w", werr)
			}
			writeDone = nil // wait for the response from here on
		case resp, ok := <-ch:
			if !ok {
				return nil, ErrStopped
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-timer.C:
			b.forget(id)
			return nil, fmt.Errorf("%s: request timed out after %s", method, b.callTimeout)
		case <-ctx.Done():
			b.forget(id)
			return nil, ctx.Err()
		}
	}
}

func (b *Bridge) forget(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// failPendingLocked rejects every outstanding call. Caller holds b.mu.
func (b *Bridge) failPendingLocked() {
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// bridgeTools mirrors the wire shape of a tools/list result.
type bridgeTools struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// ListTools queries the worker's live tool list.
func (b *Bridge) ListTools(ctx context.Context) ([]plugin.ToolDef, error) {
	raw, err := b.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed bridgeTools
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	tools := make([]plugin.ToolDef, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, plugin.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool invokes a named tool on the worker.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return b.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
}

// Stop rejects pending calls, asks the process to terminate, and escalates
// to SIGKILL past the grace window. Idempotent.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.failPendingLocked()
	b.mu.Unlock()

	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}
	_ = b.stdin.Close()
	_ = b.cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(b.stopGrace)
	defer grace.Stop()
	select {
	case <-b.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	_ = b.cmd.Process.Kill()
	<-b.exited
	return nil
}
