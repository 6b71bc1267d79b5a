//go:build !windows

// Package shmtransport implements the alternate shared-memory ring
// variant of C1 described in spec.md §5 and DESIGN NOTES: two bounded
// ring buffers (A→B, B→A) memory-mapped from /dev/shm, synchronized by
// a github.com/gofrs/flock-backed named mutex standing in for the
// POSIX named mutex the C++ reference uses (Go has no portable binding
// for a named condition variable, so a short polling wait plays that
// role instead, exactly as SPEC_FULL.md §4.1.1 calls for). It
// satisfies the same internal/ipctransport.Transport-shaped contract
// (Write/Read/IsOpen/Close) so internal/avproto and internal/session
// can run unmodified over it.
package shmtransport

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrClosed mirrors ipctransport.ErrClosed: sticky once the ring
// transport has torn down.
var ErrClosed = errors.New("shmtransport: closed")

// headerWords is the ring header's field count: capacity, writePos,
// readPos, refcount — each a uint32, native-endian since both peers
// run on the same machine.
const headerWords = 4
const headerLen = headerWords * 4

// ringHeader is the fixed-layout control block at the start of each
// mmap'd ring file. Capacity is fixed at creation; writePos/readPos
// are monotonically increasing byte counters modulo capacity, the
// classic single-producer/single-consumer ring idiom; refcount is only
// meaningful on the A→B ring and gates backing-file removal.
type ringHeader struct {
	capacity uint32
	writePos uint32
	readPos  uint32
	refcount uint32
}

// ring is one mmap'd direction of the duplex channel.
type ring struct {
	file *os.File
	mem  []byte // header + data, mmap'd
	hdr  *ringHeader
	data []byte
}

func openRing(path string, bufferBytes int, create bool) (*ring, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmtransport: open %s: %w", path, err)
	}

	size := int64(headerLen + bufferBytes)
	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmtransport: truncate %s: %w", path, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shmtransport: stat %s: %w", path, err)
		}
		size = fi.Size()
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmtransport: mmap %s: %w", path, err)
	}

	r := &ring{file: f, mem: mem, hdr: (*ringHeader)(unsafe.Pointer(&mem[0])), data: mem[headerLen:]}
	if create {
		r.hdr.capacity = uint32(bufferBytes)
		r.hdr.writePos = 0
		r.hdr.readPos = 0
	}
	return r, nil
}

func (r *ring) close() {
	_ = unix.Munmap(r.mem)
	_ = r.file.Close()
}

// buffered reports how many unread bytes the ring currently holds.
func (r *ring) buffered() uint32 { return r.hdr.writePos - r.hdr.readPos }

// push appends p to the ring if it fits; returns false on overflow,
// which the caller maps to the spec's "ring overflow returns 0".
func (r *ring) push(p []byte) bool {
	capacity := r.hdr.capacity
	if uint32(len(p)) > capacity-r.buffered() {
		return false
	}
	for i, b := range p {
		off := (r.hdr.writePos + uint32(i)) % capacity
		r.data[off] = b
	}
	r.hdr.writePos += uint32(len(p))
	return true
}

// pop copies up to len(p) buffered bytes into p and advances readPos,
// returning the count actually copied.
func (r *ring) pop(p []byte) int {
	avail := r.buffered()
	n := uint32(len(p))
	if n > avail {
		n = avail
	}
	capacity := r.hdr.capacity
	for i := uint32(0); i < n; i++ {
		off := (r.hdr.readPos + i) % capacity
		p[i] = r.data[off]
	}
	r.hdr.readPos += n
	return int(n)
}

// writeRetryTimeout bounds how long Write retries under the mutex
// before giving up on a full ring, standing in for the deadline
// computed from wall-clock time that spec.md §5 calls for.
const writeRetryTimeout = 250 * time.Millisecond

// writeRetryInterval is how often a blocked Write re-checks for space,
// the polling substitute for a named condition variable's notify_all.
const writeRetryInterval = 2 * time.Millisecond

// Transport implements the ipctransport.Transport-shaped contract over
// two mmap'd rings, guarded by a single flock-based named mutex shared
// by both directions.
type Transport struct {
	mu       sync.Mutex
	lock     *flock.Flock
	lockPath string
	name     string
	writeR   *ring
	readR    *ring
	closed   bool
	owner    bool // true for the Create side, which removes backing files on last Close
}

func shmPath(name, suffix string) string { return "/dev/shm/" + name + "." + suffix }

// Create allocates both rings and the named mutex and returns at once;
// it does not wait for a peer to attach. A peer's Open bumps the shared
// refcount when it attaches.
func Create(name string, bufferBytes int) (*Transport, error) {
	lockPath := shmPath(name, "lock")
	lk := flock.New(lockPath)

	a2b, err := openRing(shmPath(name, "a2b"), bufferBytes, true)
	if err != nil {
		return nil, err
	}
	b2a, err := openRing(shmPath(name, "b2a"), bufferBytes, true)
	if err != nil {
		a2b.close()
		return nil, err
	}

	if err := lk.Lock(); err != nil {
		a2b.close()
		b2a.close()
		return nil, fmt.Errorf("shmtransport: lock %s: %w", lockPath, err)
	}
	a2b.hdr.refcount = 1
	_ = lk.Unlock()

	// Create writes to a2b and reads from b2a; Open inverts this so
	// both peers agree on direction (spec.md §5).
	return &Transport{lock: lk, lockPath: lockPath, name: name, writeR: a2b, readR: b2a, owner: true}, nil
}

// Open attaches to rings already allocated by Create, inverting the
// read/write direction assignment and incrementing the shared refcount
// so teardown can be ordered safely.
func Open(name string) (*Transport, error) {
	lockPath := shmPath(name, "lock")
	lk := flock.New(lockPath)

	a2b, err := openRing(shmPath(name, "a2b"), 0, false)
	if err != nil {
		return nil, err
	}
	b2a, err := openRing(shmPath(name, "b2a"), 0, false)
	if err != nil {
		a2b.close()
		return nil, err
	}

	if err := lk.Lock(); err != nil {
		a2b.close()
		b2a.close()
		return nil, fmt.Errorf("shmtransport: lock %s: %w", lockPath, err)
	}
	a2b.hdr.refcount++
	_ = lk.Unlock()

	return &Transport{lock: lk, lockPath: lockPath, name: name, writeR: b2a, readR: a2b, owner: false}, nil
}

// Write pushes p onto the write ring in one locked attempt, retrying
// under the mutex until space frees or writeRetryTimeout elapses; a
// ring that never frees up overflows and the transport closes, per
// spec.md §5 ("ring overflow returns 0").
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	deadline := time.Now().Add(writeRetryTimeout)
	for {
		if err := t.lock.Lock(); err != nil {
			t.closeLocked()
			return 0, ErrClosed
		}
		ok := t.writeR.push(p)
		_ = t.lock.Unlock()
		if ok {
			return len(p), nil
		}
		if time.Now().After(deadline) {
			t.closeLocked()
			return 0, ErrClosed
		}
		time.Sleep(writeRetryInterval)
	}
}

// Read blocks up to timeoutMs polling the read ring for data, copying
// whatever is available once some arrives, matching the bounded-read
// contract ipctransport.Transport already provides.
func (t *Transport) Read(p []byte, timeoutMs int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	var deadline time.Time
	indefinite := timeoutMs < 0
	if !indefinite {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	total := 0
	for total < len(p) {
		if err := t.lock.Lock(); err != nil {
			t.closeLocked()
			return total, ErrClosed
		}
		n := t.readR.pop(p[total:])
		_ = t.lock.Unlock()
		total += n

		if total == len(p) {
			return total, nil
		}
		if !indefinite && time.Now().After(deadline) {
			return total, nil
		}
		time.Sleep(writeRetryInterval)
	}
	return total, nil
}

// IsOpen reports whether the transport can still be used.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close is idempotent and reference-counts backing-file removal: the
// refcount under the shared flock is decremented, and only the peer
// that observes it reach zero unlinks the ring files and the lock
// file, avoiding the teardown race DESIGN NOTES calls out for a naive
// unconditional remove-on-either-side.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true

	last := false
	if err := t.lock.Lock(); err == nil {
		// refcount always lives on the A→B ring's header: writeR for
		// the Create side, readR for the Open side.
		hdr := t.readR.hdr
		if t.owner {
			hdr = t.writeR.hdr
		}
		if hdr.refcount > 0 {
			hdr.refcount--
		}
		last = hdr.refcount == 0
		_ = t.lock.Unlock()
	}

	t.writeR.close()
	t.readR.close()
	_ = t.lock.Close()

	if last {
		_ = os.Remove(shmPath(t.name, "a2b"))
		_ = os.Remove(shmPath(t.name, "b2a"))
		_ = os.Remove(t.lockPath)
	}
}
