// Package avproto implements the fixed-layout binary command protocol
// (C2) that rides on top of an internal/ipctransport.Transport: command
// records in, Ack/Nack + size-prefixed response frames out, with an
// optional bulk payload attached to either side.
package avproto

import (
	"encoding/binary"
	"fmt"
)

// CmdType identifies a command record's kind. Values match spec.md §6.
type CmdType uint8

const (
	CmdUnknown CmdType = iota

	CmdKeepAlive
	CmdGetEncoderCount
	CmdGetEncoderName
	CmdGetDecoderCount
	CmdGetDecoderName

	CmdOpenEncoder
	CmdOpenDecoder
	CmdClose
	CmdEncode
	CmdDecode
	CmdFlush
	CmdGetPacket
	CmdGetFrame

	CmdStopService
)

func (t CmdType) String() string {
	switch t {
	case CmdKeepAlive:
		return "KeepAlive"
	case CmdGetEncoderCount:
		return "GetEncoderCount"
	case CmdGetEncoderName:
		return "GetEncoderName"
	case CmdGetDecoderCount:
		return "GetDecoderCount"
	case CmdGetDecoderName:
		return "GetDecoderName"
	case CmdOpenEncoder:
		return "OpenEncoder"
	case CmdOpenDecoder:
		return "OpenDecoder"
	case CmdClose:
		return "Close"
	case CmdEncode:
		return "Encode"
	case CmdDecode:
		return "Decode"
	case CmdFlush:
		return "Flush"
	case CmdGetPacket:
		return "GetPacket"
	case CmdGetFrame:
		return "GetFrame"
	case CmdStopService:
		return "StopService"
	default:
		return "Unknown"
	}
}

// Result is the single-byte outcome of a command.
type Result uint8

const (
	Ack Result = iota
	Nack
)

// codecNameLen is the fixed width of InitInfo.CodecName on the wire.
const codecNameLen = 30

// initInfoWireLen is the packed size of InitInfo: bps(4) + width(2) +
// height(2) + fps(1) + codecName(30) = 39 bytes. This is the larger of
// the two union arms (a uint64 size is 8 bytes), so the command record's
// union is padded to 39 bytes, not the 38 a naive reading of spec.md
// might suggest — see SPEC_FULL.md §3 for the reconciliation.
const initInfoWireLen = 4 + 2 + 2 + 1 + codecNameLen

// unionLen is the wire size of the command record's payload union.
const unionLen = initInfoWireLen

// CmdRecordLen is the fixed total size of a command record on the wire:
// 1 (type) + unionLen (39) = 40 bytes.
const CmdRecordLen = 1 + unionLen

// respFrameLen is the fixed size of a response frame: 1 (result) + 8 (size).
const respFrameLen = 1 + 8

// InitInfo carries encoder/decoder open parameters.
type InitInfo struct {
	BPS       uint32
	Width     uint16
	Height    uint16
	FPS       uint8
	CodecName string
}

// Command is one on-wire command record. Size is meaningful for
// GetEncoderName/GetDecoderName (the requested index) and for
// Encode/Decode (the bulk payload length); Init is meaningful for
// OpenEncoder/OpenDecoder.
type Command struct {
	Type CmdType
	Init InitInfo
	Size uint64
}

// MarshalBinary encodes cmd into the fixed 40-byte wire record.
func (cmd Command) MarshalBinary() []byte {
	buf := make([]byte, CmdRecordLen)
	buf[0] = byte(cmd.Type)
	switch cmd.Type {
	case CmdOpenEncoder, CmdOpenDecoder:
		binary.LittleEndian.PutUint32(buf[1:5], cmd.Init.BPS)
		binary.LittleEndian.PutUint16(buf[5:7], cmd.Init.Width)
		binary.LittleEndian.PutUint16(buf[7:9], cmd.Init.Height)
		buf[9] = cmd.Init.FPS
		name := []byte(cmd.Init.CodecName)
		if len(name) > codecNameLen {
			name = name[:codecNameLen]
		}
		copy(buf[10:10+codecNameLen], name)
	default:
		binary.LittleEndian.PutUint64(buf[1:9], cmd.Size)
	}
	return buf
}

// UnmarshalCommand decodes a fixed 40-byte wire record.
func UnmarshalCommand(buf []byte) (Command, error) {
	if len(buf) != CmdRecordLen {
		return Command{}, fmt.Errorf("avproto: command record must be %d bytes, got %d", CmdRecordLen, len(buf))
	}
	cmd := Command{Type: CmdType(buf[0])}
	switch cmd.Type {
	case CmdOpenEncoder, CmdOpenDecoder:
		cmd.Init.BPS = binary.LittleEndian.Uint32(buf[1:5])
		cmd.Init.Width = binary.LittleEndian.Uint16(buf[5:7])
		cmd.Init.Height = binary.LittleEndian.Uint16(buf[7:9])
		cmd.Init.FPS = buf[9]
		end := 10
		for end < 10+codecNameLen && buf[end] != 0 {
			end++
		}
		cmd.Init.CodecName = string(buf[10:end])
	default:
		cmd.Size = binary.LittleEndian.Uint64(buf[1:9])
	}
	return cmd, nil
}

// Response is the fixed 9-byte {result, size} frame that answers every command.
type Response struct {
	Result Result
	Size   uint64
}

// MarshalBinary encodes r into its fixed 9-byte wire form.
func (r Response) MarshalBinary() []byte {
	buf := make([]byte, respFrameLen)
	buf[0] = byte(r.Result)
	binary.LittleEndian.PutUint64(buf[1:9], r.Size)
	return buf
}

// UnmarshalResponse decodes a fixed 9-byte wire response frame.
func UnmarshalResponse(buf []byte) (Response, error) {
	if len(buf) != respFrameLen {
		return Response{}, fmt.Errorf("avproto: response frame must be %d bytes, got %d", respFrameLen, len(buf))
	}
	return Response{Result: Result(buf[0]), Size: binary.LittleEndian.Uint64(buf[1:9])}, nil
}
