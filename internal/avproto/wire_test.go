package avproto

import "testing"

func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		{Type: CmdKeepAlive},
		{Type: CmdGetEncoderName, Size: 3},
		{Type: CmdEncode, Size: 1 << 20},
		{
			Type: CmdOpenEncoder,
			Init: InitInfo{BPS: 2_000_000, Width: 1920, Height: 1080, FPS: 30, CodecName: "sw-h264"},
		},
		{
			Type: CmdOpenDecoder,
			Init: InitInfo{Width: 640, Height: 480, FPS: 25, CodecName: "hevc"},
		},
	}

	for _, want := range cases {
		buf := want.MarshalBinary()
		if len(buf) != CmdRecordLen {
			t.Fatalf("MarshalBinary(%v) produced %d bytes, want %d", want.Type, len(buf), CmdRecordLen)
		}
		got, err := UnmarshalCommand(buf)
		if err != nil {
			t.Fatalf("UnmarshalCommand: %v", err)
		}
		if got.Type != want.Type {
			t.Fatalf("Type = %v, want %v", got.Type, want.Type)
		}
		switch want.Type {
		case CmdOpenEncoder, CmdOpenDecoder:
			if got.Init != want.Init {
				t.Fatalf("Init = %+v, want %+v", got.Init, want.Init)
			}
		default:
			if got.Size != want.Size {
				t.Fatalf("Size = %d, want %d", got.Size, want.Size)
			}
		}
	}
}

func TestUnmarshalCommandWrongLength(t *testing.T) {
	if _, err := UnmarshalCommand(make([]byte, CmdRecordLen-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
	if _, err := UnmarshalCommand(make([]byte, CmdRecordLen+1)); err == nil {
		t.Fatal("expected error for long buffer")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, want := range []Response{
		{Result: Ack, Size: 0},
		{Result: Ack, Size: 1 << 30},
		{Result: Nack, Size: 0},
	} {
		buf := want.MarshalBinary()
		if len(buf) != respFrameLen {
			t.Fatalf("MarshalBinary produced %d bytes, want %d", len(buf), respFrameLen)
		}
		got, err := UnmarshalResponse(buf)
		if err != nil {
			t.Fatalf("UnmarshalResponse: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestUnmarshalResponseWrongLength(t *testing.T) {
	if _, err := UnmarshalResponse(make([]byte, respFrameLen-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestCodecNameTruncation(t *testing.T) {
	long := "sw-this-name-is-much-longer-than-thirty-bytes"
	cmd := Command{Type: CmdOpenEncoder, Init: InitInfo{CodecName: long}}
	buf := cmd.MarshalBinary()
	got, err := UnmarshalCommand(buf)
	if err != nil {
		t.Fatalf("UnmarshalCommand: %v", err)
	}
	if len(got.Init.CodecName) != codecNameLen {
		t.Fatalf("CodecName len = %d, want %d", len(got.Init.CodecName), codecNameLen)
	}
	if got.Init.CodecName != long[:codecNameLen] {
		t.Fatalf("CodecName = %q, want %q", got.Init.CodecName, long[:codecNameLen])
	}
}
