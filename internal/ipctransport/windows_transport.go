//go:build windows

package ipctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Microsoft/go-winio"
)

// pipeDialTimeout mirrors the 20-second WaitNamedPipe budget the C++
// client uses when every pipe instance is busy.
const pipeDialTimeout = 20 * time.Second

func pipeName(name string) string {
	return `\\.\pipe\` + name
}

// windowsTransport is a Transport backed by a Windows named pipe.
type windowsTransport struct {
	mu       sync.Mutex
	listener net.Listener // nil for a client-side (Open) transport
	conn     net.Conn
	closed   bool
}

// Create opens a named pipe instance and blocks until a peer connects,
// matching IIPCPipe::create's CreateNamedPipe + implicit accept-on-first-I/O.
func Create(name string, bufferBytes int) (Transport, error) {
	cfg := &winio.PipeConfig{
		InputBufferSize:  int32(bufferBytes),
		OutputBufferSize: int32(bufferBytes),
	}
	l, err := winio.ListenPipe(pipeName(name), cfg)
	if err != nil {
		return nil, fmt.Errorf("ipctransport: listen pipe %s: %w", name, err)
	}
	conn, err := l.Accept()
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("ipctransport: accept pipe %s: %w", name, err)
	}
	return &windowsTransport{listener: l, conn: conn}, nil
}

// Open connects to a pipe previously created by Create, retrying
// through PIPE_BUSY for up to pipeDialTimeout.
func Open(name string) (Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pipeDialTimeout)
	defer cancel()
	conn, err := winio.DialPipeContext(ctx, pipeName(name))
	if err != nil {
		return nil, fmt.Errorf("ipctransport: dial pipe %s: %w", name, err)
	}
	return &windowsTransport{conn: conn}, nil
}

func (t *windowsTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	total := 0
	for total < len(p) {
		n, err := t.conn.Write(p[total:])
		if err != nil || n <= 0 {
			t.closeLocked()
			return total, ErrClosed
		}
		total += n
	}
	return total, nil
}

// Read sets a deadline derived from timeoutMs and returns whatever was
// read if that deadline trips, the net.Conn equivalent of the C++
// client's ReadFile-plus-elapsed-time loop.
func (t *windowsTransport) Read(p []byte, timeoutMs int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	if timeoutMs < 0 {
		_ = t.conn.SetReadDeadline(time.Time{})
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	}
	total := 0
	for total < len(p) {
		n, err := t.conn.Read(p[total:])
		total += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return total, nil
			}
			t.closeLocked()
			return total, ErrClosed
		}
	}
	return total, nil
}

func (t *windowsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *windowsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *windowsTransport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	_ = t.conn.Close()
	if t.listener != nil {
		_ = t.listener.Close()
	}
}
