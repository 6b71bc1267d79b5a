package avproto

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// byteQueue is a small mutex-guarded byte buffer standing in for one
// direction of a real transport's stream.
type byteQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *byteQueue) push(p []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, p...)
	q.mu.Unlock()
}

func (q *byteQueue) pop(dst []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(dst, q.buf)
	q.buf = q.buf[n:]
	return n
}

func (q *byteQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// pipeConn is an in-memory Conn backed by two byteQueues, one per
// direction, so a single test can drive both the client and server
// halves of the protocol without a real transport.
type pipeConn struct {
	out *byteQueue // bytes this side writes
	in  *byteQueue // bytes this side reads
}

func newPipePair() (client, server pipeConn) {
	a := &byteQueue{}
	b := &byteQueue{}
	client = pipeConn{out: a, in: b}
	server = pipeConn{out: b, in: a}
	return client, server
}

func (p pipeConn) Write(data []byte) (int, error) {
	p.out.push(data)
	return len(data), nil
}

// Read polls for data up to timeoutMs, mirroring how a real Transport's
// bounded read blocks until data arrives or the deadline elapses,
// rather than returning short-read immediately.
func (p pipeConn) Read(buf []byte, timeoutMs int) (int, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for p.in.len() == 0 {
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
	return p.in.pop(buf), nil
}

type errConn struct{ err error }

func (e errConn) Write(p []byte) (int, error)              { return 0, e.err }
func (e errConn) Read(p []byte, timeoutMs int) (int, error) { return 0, e.err }

func TestSendCmdAndReadCmd(t *testing.T) {
	client, server := newPipePair()

	go func() {
		cmd, ok, err := ReadCmd(server, 200)
		if err != nil || !ok {
			t.Errorf("ReadCmd: ok=%v err=%v", ok, err)
			return
		}
		if cmd.Type != CmdKeepAlive {
			t.Errorf("cmd.Type = %v, want CmdKeepAlive", cmd.Type)
			return
		}
		if err := SendResult(server, Ack, 0); err != nil {
			t.Errorf("SendResult: %v", err)
		}
	}()

	resp, err := SendCmd(client, Command{Type: CmdKeepAlive})
	if err != nil {
		t.Fatalf("SendCmd: %v", err)
	}
	if resp.Result != Ack {
		t.Fatalf("resp.Result = %v, want Ack", resp.Result)
	}
}

func TestSendCmdWithPayload(t *testing.T) {
	client, server := newPipePair()
	payload := []byte{1, 2, 3, 4, 5}

	go func() {
		cmd, ok, err := ReadCmd(server, 200)
		if err != nil || !ok || cmd.Type != CmdEncode {
			t.Errorf("ReadCmd: ok=%v err=%v type=%v", ok, err, cmd.Type)
			return
		}
		if err := SendResult(server, Ack, 0); err != nil {
			t.Errorf("authorize SendResult: %v", err)
			return
		}
		buf := make([]byte, len(payload))
		n, err := server.Read(buf, 200)
		if err != nil || n != len(payload) {
			t.Errorf("payload read: n=%d err=%v", n, err)
			return
		}
		if err := SendResult(server, Ack, 0); err != nil {
			t.Errorf("outcome SendResult: %v", err)
		}
	}()

	resp, err := SendCmdWithPayload(client, Command{Type: CmdEncode, Size: uint64(len(payload))}, payload)
	if err != nil {
		t.Fatalf("SendCmdWithPayload: %v", err)
	}
	if resp.Result != Ack {
		t.Fatalf("resp.Result = %v, want Ack", resp.Result)
	}
}

func TestGetPacketAndSendBulk(t *testing.T) {
	client, server := newPipePair()
	data := []byte("encoded-packet-bytes")

	go func() {
		cmd, ok, err := ReadCmd(server, 200)
		if err != nil || !ok || cmd.Type != CmdGetPacket {
			t.Errorf("ReadCmd: ok=%v err=%v type=%v", ok, err, cmd.Type)
			return
		}
		if err := SendBulk(server, data); err != nil {
			t.Errorf("SendBulk: %v", err)
		}
	}()

	got, err := GetPacket(client)
	if err != nil {
		t.Fatalf("GetPacket: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("GetPacket = %q, want %q", got, data)
	}
}

func TestGetPacketNack(t *testing.T) {
	client, server := newPipePair()

	go func() {
		if _, ok, _ := ReadCmd(server, 200); !ok {
			return
		}
		_ = SendResult(server, Nack, 0)
	}()

	if _, err := GetPacket(client); !errors.Is(err, ErrNack) {
		t.Fatalf("GetPacket err = %v, want ErrNack", err)
	}
}

func TestSendCmdShortWriteIsNack(t *testing.T) {
	resp, err := SendCmd(errConn{err: errors.New("boom")}, Command{Type: CmdKeepAlive})
	if err != nil {
		t.Fatalf("SendCmd returned error, want nil+Nack: %v", err)
	}
	if resp.Result != Nack {
		t.Fatalf("resp.Result = %v, want Nack", resp.Result)
	}
}

func TestReadCmdShortReadIsNotOk(t *testing.T) {
	client, server := newPipePair()
	if _, err := client.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, ok, err := ReadCmd(server, 200)
	if err != nil {
		t.Fatalf("ReadCmd: %v", err)
	}
	if ok {
		t.Fatal("ReadCmd ok = true for a short read, want false")
	}
}
