package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shubchev/libav-node/internal/avproto"
	"github.com/shubchev/libav-node/internal/codec"
)

// netPipeConn adapts net.Conn to avproto.Conn by translating a
// millisecond timeout into a read deadline, the same role a real
// internal/ipctransport.Transport plays in production.
type netPipeConn struct{ net.Conn }

func (c netPipeConn) Read(p []byte, timeoutMs int) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	n, err := c.Conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// fakeHandle is a minimal codec.Handle standing in for a real
// libavcodec-backed one: Process echoes its input back as output so a
// round trip through Encode/Flush/GetPacket is observable without a
// real codec.
type fakeHandle struct {
	kind   codec.Kind
	name   string
	closed bool
}

func (f *fakeHandle) Kind() codec.Kind { return f.kind }
func (f *fakeHandle) Name() string     { return f.name }
func (f *fakeHandle) Close()           { f.closed = true }

func (f *fakeHandle) Process(in [][]byte) ([][]byte, error) {
	if len(in) == 0 {
		return [][]byte{[]byte("flushed")}, nil
	}
	out := make([][]byte, len(in))
	copy(out, in)
	return out, nil
}

func newTestSession(conn avproto.Conn) *Session {
	return New(conn,
		WithCodecFuncs(
			func() []string { return []string{"sw-h264"} },
			func() []string { return []string{"sw-hevc"} },
			func(name string, width, height, bps, fps int) (codec.Handle, error) {
				return &fakeHandle{kind: codec.KindEncoder, name: name}, nil
			},
			func(name string, width, height int) (codec.Handle, error) {
				return &fakeHandle{kind: codec.KindDecoder, name: name}, nil
			},
		),
	)
}

func TestSessionFullLifecycle(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	s := newTestSession(netPipeConn{srv})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	client := netPipeConn{cli}

	// GetEncoderCount
	resp, err := avproto.SendCmd(client, avproto.Command{Type: avproto.CmdGetEncoderCount})
	if err != nil || resp.Result != avproto.Ack || resp.Size != 1 {
		t.Fatalf("GetEncoderCount: resp=%+v err=%v", resp, err)
	}

	// GetEncoderName(0)
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdGetEncoderName, Size: 0})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("GetEncoderName header: resp=%+v err=%v", resp, err)
	}
	nameBuf := make([]byte, resp.Size)
	if n, err := client.Read(nameBuf, 500); err != nil || uint64(n) != resp.Size {
		t.Fatalf("GetEncoderName payload: n=%d err=%v", n, err)
	}
	if string(nameBuf) != "sw-h264" {
		t.Fatalf("GetEncoderName = %q, want sw-h264", nameBuf)
	}

	// OpenEncoder
	resp, err = avproto.SendCmd(client, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 2_000_000, Width: 64, Height: 64, FPS: 30, CodecName: "sw-h264"},
	})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("OpenEncoder: resp=%+v err=%v", resp, err)
	}

	// Encode
	frame := make([]byte, 64*64+2*(32*32))
	for i := range frame {
		frame[i] = byte(i)
	}
	resp, err = avproto.SendCmdWithPayload(client, avproto.Command{Type: avproto.CmdEncode, Size: uint64(len(frame))}, frame)
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("Encode: resp=%+v err=%v", resp, err)
	}

	// GetPacket should return exactly the echoed frame bytes.
	got, err := avproto.GetPacket(client)
	if err != nil {
		t.Fatalf("GetPacket: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("GetPacket returned %d bytes, want %d matching bytes", len(got), len(frame))
	}

	// A second GetPacket with nothing queued must Nack.
	if _, err := avproto.GetPacket(client); err == nil {
		t.Fatal("GetPacket with empty backlog should Nack")
	}

	// Flush appends a synthetic packet the fake handle always emits.
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdFlush})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("Flush: resp=%+v err=%v", resp, err)
	}
	got, err = avproto.GetPacket(client)
	if err != nil || string(got) != "flushed" {
		t.Fatalf("GetPacket after Flush = %q, err=%v", got, err)
	}

	// Close releases the handle.
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdClose})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("Close: resp=%+v err=%v", resp, err)
	}

	// StopService ends the loop.
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdStopService})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("StopService: resp=%+v err=%v", resp, err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after StopService")
	}
}

func TestSessionEncodeWithoutOpenHandleNacks(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	s := newTestSession(netPipeConn{srv})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	client := netPipeConn{cli}
	resp, err := avproto.SendCmd(client, avproto.Command{Type: avproto.CmdEncode, Size: 4})
	if err != nil {
		t.Fatalf("SendCmd: %v", err)
	}
	if resp.Result != avproto.Nack {
		t.Fatalf("Encode without an open encoder = %v, want Nack", resp.Result)
	}
}

// TestSessionOpenFailureDropsExistingHandle covers the §3 invariant
// that a failed open still destroys the previously open handle and
// returns the session to Idle, both when the requested codec name has
// no match and when every candidate's open call fails.
func TestSessionOpenFailureDropsExistingHandle(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	var live []*fakeHandle
	s := New(netPipeConn{srv},
		WithCodecFuncs(
			func() []string { return []string{"sw-h264", "sw-hevc"} },
			func() []string { return []string{"sw-hevc"} },
			func(name string, width, height, bps, fps int) (codec.Handle, error) {
				if name == "sw-h264" {
					h := &fakeHandle{kind: codec.KindEncoder, name: name}
					live = append(live, h)
					return h, nil
				}
				return nil, errors.New("boom")
			},
			func(name string, width, height int) (codec.Handle, error) {
				return &fakeHandle{kind: codec.KindDecoder, name: name}, nil
			},
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	client := netPipeConn{cli}

	// Establish a live encoder handle.
	resp, err := avproto.SendCmd(client, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 2_000_000, Width: 64, Height: 64, FPS: 30, CodecName: "sw-h264"},
	})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("initial OpenEncoder: resp=%+v err=%v", resp, err)
	}
	if len(live) != 1 {
		t.Fatalf("live handles = %d, want 1", len(live))
	}
	first := live[0]

	// Re-open with a codec name that matches nothing: must Nack, drop
	// the live handle, and clear the buffers.
	resp, err = avproto.SendCmd(client, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 2_000_000, Width: 64, Height: 64, FPS: 30, CodecName: "no-such-codec"},
	})
	if err != nil || resp.Result != avproto.Nack {
		t.Fatalf("OpenEncoder(no match): resp=%+v err=%v", resp, err)
	}
	if !first.closed {
		t.Fatal("OpenEncoder(no match) must close the previously open handle")
	}

	// Encode must Nack immediately: no handle is open anymore.
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdEncode, Size: 4})
	if err != nil || resp.Result != avproto.Nack {
		t.Fatalf("Encode after no-match open: resp=%+v err=%v", resp, err)
	}

	// Re-establish a live handle, then re-open with a name whose
	// resolved candidate's open() call fails.
	resp, err = avproto.SendCmd(client, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 2_000_000, Width: 64, Height: 64, FPS: 30, CodecName: "sw-h264"},
	})
	if err != nil || resp.Result != avproto.Ack {
		t.Fatalf("second OpenEncoder: resp=%+v err=%v", resp, err)
	}
	second := live[1]

	resp, err = avproto.SendCmd(client, avproto.Command{
		Type: avproto.CmdOpenEncoder,
		Init: avproto.InitInfo{BPS: 2_000_000, Width: 64, Height: 64, FPS: 30, CodecName: "sw-hevc"},
	})
	if err != nil || resp.Result != avproto.Nack {
		t.Fatalf("OpenEncoder(open fails): resp=%+v err=%v", resp, err)
	}
	if !second.closed {
		t.Fatal("OpenEncoder(open fails) must close the previously open handle")
	}

	// With the handle gone, Encode must Nack without an open encoder.
	resp, err = avproto.SendCmd(client, avproto.Command{Type: avproto.CmdEncode, Size: 4})
	if err != nil || resp.Result != avproto.Nack {
		t.Fatalf("Encode after dropped handle: resp=%+v err=%v", resp, err)
	}
}
