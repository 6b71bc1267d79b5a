package codec

/*
#cgo pkg-config: libavcodec libavutil
#cgo LDFLAGS: -lavcodec -lavutil
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"strings"
)

// Kind distinguishes the two concrete Handle implementations. Resolving
// an open request into one of these, rather than a single struct with
// an isEncoder() flag, keeps a decoder handle from having any
// Encode-shaped code path to fall into by mistake.
type Kind int

const (
	KindEncoder Kind = iota
	KindDecoder
)

func (k Kind) String() string {
	if k == KindEncoder {
		return "encoder"
	}
	return "decoder"
}

// Handle is the capability surface the session dispatch loop drives:
// open once, then repeatedly Process, then Close exactly once.
type Handle interface {
	Kind() Kind
	Name() string

	// Process feeds in into the codec and returns whatever output that
	// produced. An empty/nil in signals end-of-stream: the encoder
	// flushes its remaining packets, the decoder flushes its parser.
	Process(in [][]byte) (out [][]byte, err error)

	Close()
}

// ErrBadGeometry is returned when width/height/bps/fps fail the open
// preconditions shared by encoders and decoders.
var ErrBadGeometry = errors.New("codec: invalid geometry or rate parameters")

// ErrCodecNotFound is returned when name resolves to no known codec.
var ErrCodecNotFound = errors.New("codec: codec not found")

// resolveName strips an optional "sw-"/"hw-" hint prefix, matching the
// C++ reference's tmpName handling, and reports whether it was present.
func resolveName(name string) (bare string, hadHint bool) {
	if strings.HasPrefix(name, "sw-") || strings.HasPrefix(name, "hw-") {
		return name[3:], true
	}
	return name, false
}

func validGeometry(width, height int) bool {
	return width > 0 && height > 0 && width%2 == 0 && height%2 == 0
}
