package worker

import (
	"fmt"
	"net"
)

// AllocatePort asks the kernel for a free loopback port and releases it
// immediately. The worker is expected to bind it right after spawn; the
// window for another process to steal it is accepted.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("release port %d: %w", port, err)
	}
	return port, nil
}
