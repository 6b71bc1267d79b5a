package session

import (
	"sort"
	"strings"

	"github.com/shubchev/libav-node/internal/avproto"
	"github.com/shubchev/libav-node/internal/codec"
	"github.com/shubchev/libav-node/internal/metrics"
)

// bulkReadTimeoutMs bounds how long the session waits for an
// Encode/Decode payload the peer already committed to sending (the
// size is in the command record); the reference pipe read blocks
// indefinitely here, but an unbounded wait would wedge the service on
// a peer that lied about its payload size.
const bulkReadTimeoutMs = 30_000

func (s *Session) dispatch(cmd avproto.Command) {
	switch cmd.Type {
	case avproto.CmdKeepAlive:
		s.ack(0)

	case avproto.CmdGetEncoderCount:
		s.ack(uint64(len(s.encoders)))

	case avproto.CmdGetEncoderName:
		s.sendIndexedName(s.encoders, cmd.Size)

	case avproto.CmdGetDecoderCount:
		s.ack(uint64(len(s.decoders)))

	case avproto.CmdGetDecoderName:
		s.sendIndexedName(s.decoders, cmd.Size)

	case avproto.CmdOpenEncoder:
		s.openCoder(cmd, true)

	case avproto.CmdOpenDecoder:
		s.openCoder(cmd, false)

	case avproto.CmdClose:
		s.closeHandle()
		s.packetData = nil
		s.frameBacklog = nil
		s.ack(0)

	case avproto.CmdEncode:
		s.encodeOrDecode(cmd, true)

	case avproto.CmdDecode:
		s.encodeOrDecode(cmd, false)

	case avproto.CmdGetPacket:
		s.getPacket()

	case avproto.CmdGetFrame:
		s.getFrame()

	case avproto.CmdFlush:
		s.flush()

	case avproto.CmdStopService:
		s.closeHandle()
		s.state = StateStopping
		s.ack(0)

	default:
		s.nack(metrics.NackUnknownCmd)
	}
}

// sendIndexedName answers GetEncoderName/GetDecoderName: names is a
// sorted list, cmd.Size is the requested index.
func (s *Session) sendIndexedName(names []string, index uint64) {
	if index >= uint64(len(names)) {
		s.log.Error("session_index_range", "error", ErrIndexRange, "index", index, "count", len(names))
		s.nack(metrics.NackIndexRange)
		return
	}
	s.sendBulk([]byte(names[index]))
}

// resolveCoderCandidates implements the session's exact-then-substring
// name resolution: an exact match against the sorted candidate list
// wins outright; otherwise every candidate containing requested as a
// substring is tried, in sorted order, until one opens successfully.
func resolveCoderCandidates(candidates []string, requested string) []string {
	for _, c := range candidates {
		if c == requested {
			return []string{c}
		}
	}
	var matches []string
	for _, c := range candidates {
		if strings.Contains(c, requested) {
			matches = append(matches, c)
		}
	}
	sort.Strings(matches)
	return matches
}

func (s *Session) openCoder(cmd avproto.Command, isEncoder bool) {
	candidates := s.decoders
	if isEncoder {
		candidates = s.encoders
	}

	names := resolveCoderCandidates(candidates, cmd.Init.CodecName)
	if len(names) == 0 {
		s.log.Error("session_open_no_match", "requested", cmd.Init.CodecName)
		metrics.IncCodecOpen(kindLabel(isEncoder), "fail")
		s.closeHandle()
		s.packetData = nil
		s.frameBacklog = nil
		s.nack(metrics.NackCodecOpen)
		return
	}

	var handle codec.Handle
	var err error
	for _, name := range names {
		if isEncoder {
			handle, err = s.openEncoder(name, int(cmd.Init.Width), int(cmd.Init.Height), int(cmd.Init.BPS), int(cmd.Init.FPS))
		} else {
			handle, err = s.openDecoder(name, int(cmd.Init.Width), int(cmd.Init.Height))
		}
		if handle != nil {
			break
		}
	}

	if handle == nil {
		s.log.Error("session_open_failed", "requested", cmd.Init.CodecName, "error", err)
		metrics.IncCodecOpen(kindLabel(isEncoder), "fail")
		metrics.IncError(metrics.ErrCodecOpen)
		s.closeHandle()
		s.packetData = nil
		s.frameBacklog = nil
		s.nack(metrics.NackCodecOpen)
		return
	}

	s.closeHandle()
	s.handle = handle
	if isEncoder {
		s.state = StateEncoderOpen
	} else {
		s.state = StateDecoderOpen
	}
	metrics.IncCodecOpen(kindLabel(isEncoder), "ok")
	s.log.Info("session_open_ok", "name", handle.Name(), "width", cmd.Init.Width, "height", cmd.Init.Height)
	s.ack(0)
}

func kindLabel(isEncoder bool) string {
	if isEncoder {
		return "encoder"
	}
	return "decoder"
}

// encodeOrDecode implements the two-phase Ack discipline shared by
// Encode and Decode: an authorizing Ack (or an immediate Nack if no
// matching handle is open), then the bulk payload, then a second
// response carrying the codec call's outcome.
func (s *Session) encodeOrDecode(cmd avproto.Command, isEncoder bool) {
	wantKind := codec.KindDecoder
	if isEncoder {
		wantKind = codec.KindEncoder
	}
	if s.handle == nil {
		s.log.Error("session_wrong_state", "error", ErrNoHandle)
		s.nack(metrics.NackWrongState)
		return
	}
	if s.handle.Kind() != wantKind {
		s.log.Error("session_wrong_state", "error", ErrWrongHandleKind, "have", s.handle.Kind(), "want", wantKind)
		s.nack(metrics.NackWrongState)
		return
	}
	s.ack(0)

	payload := make([]byte, cmd.Size)
	n, err := s.conn.Read(payload, bulkReadTimeoutMs)
	if err != nil || uint64(n) != cmd.Size {
		s.log.Error("session_bulk_read_short", "want", cmd.Size, "got", n, "error", err)
		s.nack(metrics.NackBulkReadShort)
		return
	}

	if isEncoder {
		s.packetData = nil
		out, perr := s.handle.Process([][]byte{payload})
		if perr != nil {
			s.log.Error("session_encode_error", "error", perr)
			metrics.IncCodecError("encoder")
			metrics.IncError(metrics.ErrCodecProcess)
			s.nack(metrics.NackCodecProcess)
			return
		}
		metrics.AddBytesEncoded(len(payload))
		for _, pkt := range out {
			s.packetData = append(s.packetData, pkt...)
		}
		metrics.SetPacketBacklog(len(s.packetData))
	} else {
		out, perr := s.handle.Process([][]byte{payload})
		if perr != nil {
			s.log.Error("session_decode_error", "error", perr)
			metrics.IncCodecError("decoder")
			metrics.IncError(metrics.ErrCodecProcess)
			s.nack(metrics.NackCodecProcess)
			return
		}
		metrics.AddBytesDecoded(len(payload))
		s.frameBacklog = append(s.frameBacklog, out...)
		metrics.SetFrameBacklog(len(s.frameBacklog))
	}

	s.ack(0)
}

func (s *Session) getPacket() {
	if len(s.packetData) == 0 {
		s.nack(metrics.NackNoBacklog)
		return
	}
	data := s.packetData
	s.packetData = nil
	metrics.SetPacketBacklog(0)
	s.sendBulk(data)
}

func (s *Session) getFrame() {
	if len(s.frameBacklog) == 0 {
		s.nack(metrics.NackNoBacklog)
		return
	}
	data := s.frameBacklog[0]
	s.frameBacklog = s.frameBacklog[1:]
	metrics.SetFrameBacklog(len(s.frameBacklog))
	s.sendBulk(data)
}

// flush drains the open handle: an encoder emits whatever packets its
// internal buffering still owes, a decoder emits whatever frames its
// parser still owes, matching the unified Process(nil) flush call.
func (s *Session) flush() {
	if s.handle == nil {
		s.log.Error("session_flush_no_handle", "error", ErrNoHandle)
		s.nack(metrics.NackWrongState)
		return
	}

	out, err := s.handle.Process(nil)
	if err != nil {
		s.log.Error("session_flush_error", "error", err)
		metrics.IncCodecError(s.handle.Kind().String())
		metrics.IncError(metrics.ErrCodecProcess)
		s.nack(metrics.NackCodecProcess)
		return
	}

	if s.handle.Kind() == codec.KindEncoder {
		for _, pkt := range out {
			s.packetData = append(s.packetData, pkt...)
		}
		metrics.SetPacketBacklog(len(s.packetData))
	} else {
		s.frameBacklog = append(s.frameBacklog, out...)
		metrics.SetFrameBacklog(len(s.frameBacklog))
	}

	s.ack(0)
}
