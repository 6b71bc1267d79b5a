//go:build !windows

package ipctransport

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// unixSocketDir mirrors the "/tmp/" prefix the C++ reference uses for
// its AF_UNIX socket path.
const unixSocketDir = "/tmp"

func socketPath(name string) string {
	return unixSocketDir + "/" + name
}

// unixTransport is a Transport backed by an AF_UNIX SOCK_STREAM socket.
type unixTransport struct {
	mu            sync.Mutex
	listenFd      int // -1 for a client-side (Open) transport
	fd            int // the connected peer; -1 once closed
	path          string
	unlinkOnClose bool
	closed        bool
}

// Create binds a new socket at /tmp/<name>, listens for exactly one
// peer and blocks until that peer connects, matching IIPCPipe::create.
func Create(name string, bufferBytes int) (Transport, error) {
	path := socketPath(name)
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ipctransport: socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipctransport: bind(%s): %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("ipctransport: listen(%s): %w", path, err)
	}

	clientFd, _, err := unix.Accept(fd)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("ipctransport: accept(%s): %w", path, err)
	}

	return &unixTransport{listenFd: fd, fd: clientFd, path: path, unlinkOnClose: true}, nil
}

// Open connects to a socket previously bound by Create, matching IIPCPipe::open.
func Open(name string) (Transport, error) {
	path := socketPath(name)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ipctransport: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipctransport: connect(%s): %w", path, err)
	}
	return &unixTransport{listenFd: -1, fd: fd, path: path}, nil
}

// Write writes p in full, closing the transport on any short write or
// error the way the C++ client gives up after the socket stops
// accepting bytes.
func (t *unixTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	total := 0
	for total < len(p) {
		n, err := unix.Write(t.fd, p[total:])
		if err != nil || n <= 0 {
			t.closeLocked()
			return total, ErrClosed
		}
		total += n
	}
	return total, nil
}

// Read polls with the remaining deadline each iteration so a Write
// arriving mid-wait doesn't reset the overall timeout budget.
func (t *unixTransport) Read(p []byte, timeoutMs int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	indefinite := timeoutMs < 0
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for total < len(p) {
		remaining := -1
		if !indefinite {
			remaining = int(time.Until(deadline) / time.Millisecond)
			if remaining < 0 {
				remaining = 0
			}
		}
		pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, remaining)
		if err != nil {
			t.closeLocked()
			return total, ErrClosed
		}
		if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
			return total, nil
		}
		r, err := unix.Read(t.fd, p[total:])
		if err != nil || r <= 0 {
			t.closeLocked()
			return total, ErrClosed
		}
		total += r
	}
	return total, nil
}

func (t *unixTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *unixTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *unixTransport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	_ = unix.Close(t.fd)
	if t.listenFd >= 0 {
		_ = unix.Close(t.listenFd)
	}
	if t.unlinkOnClose {
		_ = unix.Unlink(t.path)
	}
}
