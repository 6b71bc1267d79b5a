// Package codec wraps libavcodec/libavutil through cgo to
// provide the encode/decode capability (C3) the session dispatches
// into. Only H.264/HEVC codecs are surfaced, matching the substring
// filter the service has always applied.
package codec

/*
#cgo pkg-config: libavcodec libavutil
#cgo LDFLAGS: -lavcodec -lavutil
#include <libavcodec/avcodec.h>
#include <libavutil/avutil.h>
*/
import "C"

import (
	"sort"
	"strings"
	"unsafe"
)

// matchesFamily reports whether a codec's short name belongs to the
// H.264/HEVC family this service exposes.
func matchesFamily(name string) bool {
	for _, frag := range [...]string{"hevc", "h265", "avc", "h264"} {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

// hwPrefix returns "hw-" if the codec advertises a hardware
// configuration, "sw-" otherwise.
func hwPrefix(c *C.AVCodec) string {
	if C.avcodec_get_hw_config(c, 0) != nil {
		return "hw-"
	}
	return "sw-"
}

// listCodecs walks the libavcodec registry, keeping only entries whose
// encoder/decoder side matches isEncoderSide and that pass
// matchesFamily, and returns their
// prefixed names sorted and deduplicated.
func listCodecs(isEncoderSide bool) []string {
	seen := make(map[string]struct{})
	var iter unsafe.Pointer
	for {
		c := C.av_codec_iterate(&iter)
		if c == nil {
			break
		}
		isEncoder := C.av_codec_is_encoder(c) != 0
		if isEncoder != isEncoderSide {
			continue
		}
		name := C.GoString(c.name)
		if !matchesFamily(name) {
			continue
		}
		seen[hwPrefix(c)+name] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListEncoders returns the sorted, deduplicated set of available H.264/HEVC encoders.
func ListEncoders() []string { return listCodecs(true) }

// ListDecoders returns the sorted, deduplicated set of available H.264/HEVC decoders.
func ListDecoders() []string { return listCodecs(false) }
