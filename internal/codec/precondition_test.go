package codec

import (
	"errors"
	"testing"
)

// These only exercise the parameter validation that runs before any
// libavcodec call, since a real encode/decode round trip depends on the
// codecs available on the build host; that end-to-end path is exercised
// by cmd/avtest instead.

func TestOpenEncoderRejectsBadGeometry(t *testing.T) {
	cases := []struct {
		name          string
		width, height int
		bps, fps      int
	}{
		{"odd width", 641, 480, 2_000_000, 30},
		{"odd height", 640, 481, 2_000_000, 30},
		{"zero width", 0, 480, 2_000_000, 30},
		{"negative height", 640, -2, 2_000_000, 30},
		{"low bitrate", 640, 480, 999_999, 30},
		{"zero fps", 640, 480, 2_000_000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := OpenEncoder("sw-h264", tc.width, tc.height, tc.bps, tc.fps)
			if !errors.Is(err, ErrBadGeometry) {
				t.Fatalf("OpenEncoder(%+v) err = %v, want ErrBadGeometry", tc, err)
			}
		})
	}
}

func TestOpenDecoderRejectsBadGeometry(t *testing.T) {
	cases := []struct {
		name          string
		width, height int
	}{
		{"odd width", 641, 480},
		{"odd height", 640, 481},
		{"zero height", 640, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := OpenDecoder("sw-hevc", tc.width, tc.height)
			if !errors.Is(err, ErrBadGeometry) {
				t.Fatalf("OpenDecoder(%+v) err = %v, want ErrBadGeometry", tc, err)
			}
		})
	}
}

func TestResolveNameStripsHintPrefix(t *testing.T) {
	cases := map[string]string{
		"sw-libx264": "libx264",
		"hw-h264_nvenc": "h264_nvenc",
		"libx265":     "libx265",
	}
	for in, want := range cases {
		got, _ := resolveName(in)
		if got != want {
			t.Errorf("resolveName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindEncoder.String() != "encoder" {
		t.Fatalf("KindEncoder.String() = %q", KindEncoder.String())
	}
	if KindDecoder.String() != "decoder" {
		t.Fatalf("KindDecoder.String() = %q", KindDecoder.String())
	}
}
