// Package ipctransport implements the byte-stream carrier (C1) that
// internal/avproto rides on: a named duplex channel between exactly two
// peers, a named pipe on Windows and a UNIX domain socket everywhere
// else.
package ipctransport

import "errors"

// ErrClosed is returned by Read/Write once the transport has been
// closed, and is sticky: a closed Transport never reopens.
var ErrClosed = errors.New("ipctransport: closed")

// Transport abstracts the OS-level duplex channel for testability, the
// same way internal/serial.Port abstracts tarm/serial in the teacher
// repo.
type Transport interface {
	// Write sends the full contents of p or fails. A short write closes
	// the transport, matching the C++ reference's write() retry-then-give-up
	// behavior.
	Write(p []byte) (int, error)

	// Read blocks up to timeoutMs for data and returns whatever arrived,
	// which may be fewer bytes than len(p) if the deadline elapses
	// first. A read error (not a timeout) closes the transport.
	Read(p []byte, timeoutMs int) (int, error)

	// IsOpen reports whether the transport can still be used.
	IsOpen() bool

	// Close releases the transport's resources. Idempotent.
	Close() error
}
