package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript drops a shell script into a temp dir and returns the argv to
// run it. Fake workers are plain sh so tests need no fixture binaries.
func writeScript(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return []string{"sh", path}
}

// extractID pulls the numeric request id out of a JSON-RPC line.
const extractID = `id=$(printf '%s\n' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')`

// echoWorker answers every request with a fixed tools result.
const echoWorker = `
while IFS= read -r line; do
  ` + extractID + `
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' "$id"
done
`

func startBridge(t *testing.T, argv []string, opts BridgeOptions) *Bridge {
	t.Helper()
	opts.Argv = argv
	b := NewBridge(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = b.Stop(stopCtx)
	})
	return b
}

func TestBridge_ListTools(t *testing.T) {
	b := startBridge(t, writeScript(t, echoWorker), BridgeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools, err := b.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v, want one tool named echo", tools)
	}
}

// The worker here answers the second request in three installments: an
// unknown-id response first, then the real response split mid-object. The
// bridge must buffer to the newline, drop the stray id, and still deliver
// the real result.
func TestBridge_PartialLineAndUnknownID(t *testing.T) {
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":999,"result":{}}\n'
printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"late"' "$id"
sleep 0.1
printf ',"description":"arrived in pieces"}]}}\n'
cat >/dev/null
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools, err := b.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "late" {
		t.Errorf("tools = %+v, want the split response delivered intact", tools)
	}
}

func TestBridge_MalformedLineSkipped(t *testing.T) {
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
IFS= read -r line
` + extractID + `
printf 'this is not json\n'
printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id"
cat >/dev/null
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.ListTools(ctx); err != nil {
		t.Fatalf("ListTools after malformed line: %v", err)
	}
}

func TestBridge_CallTimeout(t *testing.T) {
	// Answers the handshake, then goes silent.
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
cat >/dev/null
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{CallTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.CallTool(ctx, "echo", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
}

// A worker that answers the handshake and then stops reading stdin lets the
// pipe fill. A call large enough to overflow the pipe buffer must still time
// out on schedule, and Stop must still terminate the process instead of
// waiting behind the blocked write.
func TestBridge_HungWorkerDoesNotBlockStop(t *testing.T) {
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
exec sleep 300
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{
		CallTimeout: 500 * time.Millisecond,
		StopGrace:   time.Second,
	})

	start := time.Now()
	_, err := b.CallTool(context.Background(), "echo", map[string]any{
		"payload": strings.Repeat("x", 256*1024),
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("call took %s, deadline did not fire", elapsed)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = b.Stop(stopCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Stop hung behind the blocked stdin write")
	}
}

func TestBridge_StopFailsPendingCalls(t *testing.T) {
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
cat >/dev/null
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{CallTimeout: 30 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.CallTool(context.Background(), "echo", nil)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond) // let the call register

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("pending call err = %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never failed after Stop")
	}
}

func TestBridge_RPCErrorSurfaces(t *testing.T) {
	script := `
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
IFS= read -r line
` + extractID + `
printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"no such tool"}}\n' "$id"
cat >/dev/null
`
	b := startBridge(t, writeScript(t, script), BridgeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.CallTool(ctx, "missing", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
}

func TestBridge_HandshakeFailure(t *testing.T) {
	b := NewBridge(BridgeOptions{
		Argv:        writeScript(t, "exit 3\n"),
		CallTimeout: 500 * time.Millisecond,
		StopGrace:   time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Start(ctx); err == nil {
		t.Fatal("Start should fail when the worker dies before the handshake")
	}
}
