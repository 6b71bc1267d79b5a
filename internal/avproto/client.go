package avproto

import (
	"errors"
	"fmt"
)

// bulkReadTimeoutMs is the client-side timeout for reading a bulk payload
// after a {Ack, size>0} response, per spec.md §5.
const bulkReadTimeoutMs = 5000

// Conn is the minimal transport surface avproto needs. Any
// internal/ipctransport.Transport (or internal/shmtransport one)
// satisfies it structurally.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte, timeoutMs int) (int, error)
}

// ErrNack is returned when the peer answers a command with Nack.
var ErrNack = errors.New("avproto: nack")

// SendCmd writes cmd and reads the matching response. A short write or
// short read is reported back to the caller as a Nack response rather
// than an error, matching the C++ client's sendAVCmd behavior.
func SendCmd(c Conn, cmd Command) (Response, error) {
	buf := cmd.MarshalBinary()
	n, err := c.Write(buf)
	if err != nil || n != len(buf) {
		return Response{Result: Nack}, nil
	}
	return readResponse(c)
}

// SendCmdWithPayload sends cmd, reads the first {Ack,0} authorizing the
// upload, writes payload, then reads the second response. Used by
// Encode/Decode, which are acked twice: once to authorize the bulk
// upload and once to report the codec call's outcome.
func SendCmdWithPayload(c Conn, cmd Command, payload []byte) (Response, error) {
	first, err := SendCmd(c, cmd)
	if err != nil {
		return Response{}, err
	}
	if first.Result != Ack {
		return first, nil
	}
	n, err := c.Write(payload)
	if err != nil || n != len(payload) {
		return Response{Result: Nack}, nil
	}
	return readResponse(c)
}

// GetPacket requests the session's pending encoded packet data.
func GetPacket(c Conn) ([]byte, error) { return getBulk(c, CmdGetPacket) }

// GetFrame requests the next decoded frame from the session's backlog.
func GetFrame(c Conn) ([]byte, error) { return getBulk(c, CmdGetFrame) }

func getBulk(c Conn, cmdType CmdType) ([]byte, error) {
	resp, err := SendCmd(c, Command{Type: cmdType})
	if err != nil {
		return nil, err
	}
	if resp.Result != Ack || resp.Size == 0 {
		return nil, ErrNack
	}
	data := make([]byte, resp.Size)
	n, err := c.Read(data, bulkReadTimeoutMs)
	if err != nil {
		return nil, err
	}
	if uint64(n) != resp.Size {
		return nil, fmt.Errorf("%w: short bulk read (%d of %d bytes)", ErrNack, n, resp.Size)
	}
	return data, nil
}

func readResponse(c Conn) (Response, error) {
	buf := make([]byte, respFrameLen)
	n, err := c.Read(buf, bulkReadTimeoutMs)
	if err != nil || n != respFrameLen {
		return Response{Result: Nack}, nil
	}
	return UnmarshalResponse(buf)
}
