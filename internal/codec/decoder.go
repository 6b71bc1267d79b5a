package codec

/*
#cgo pkg-config: libavcodec libavutil
#cgo LDFLAGS: -lavcodec -lavutil
#include <libavcodec/avcodec.h>
#include <stdlib.h>
#include <errno.h>

static int averror_eagain(void) { return AVERROR(EAGAIN); }
static int averror_eof(void) { return AVERROR_EOF; }
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

type decoderHandle struct {
	parser *C.AVCodecParserContext
	ctx    *C.AVCodecContext
	frame  *C.AVFrame
	pkt    *C.AVPacket
	name   string
	width  int
	height int
	token  int
}

// OpenDecoder opens a decoder named name (optionally "sw-"/"hw-"
// prefixed) at the given geometry, matching AVDecoder::init.
func OpenDecoder(name string, width, height int) (Handle, error) {
	if !validGeometry(width, height) {
		return nil, ErrBadGeometry
	}
	bare, _ := resolveName(name)

	cName := C.CString(bare)
	defer C.free(unsafe.Pointer(cName))
	codec := C.avcodec_find_decoder_by_name(cName)
	if codec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotFound, name)
	}

	parser := C.av_parser_init(C.int(codec.id))
	if parser == nil {
		return nil, errors.New("codec: av_parser_init failed")
	}

	ctx := C.avcodec_alloc_context3(codec)
	if ctx == nil {
		C.av_parser_close(parser)
		return nil, errors.New("codec: avcodec_alloc_context3 failed")
	}

	pkt := C.av_packet_alloc()
	if pkt == nil {
		C.avcodec_free_context(&ctx)
		C.av_parser_close(parser)
		return nil, errors.New("codec: av_packet_alloc failed")
	}

	ctx.width = C.int(width)
	ctx.height = C.int(height)

	h := &decoderHandle{parser: parser, ctx: ctx, pkt: pkt, name: C.GoString(codec.name), width: width, height: height}
	h.token = registryPut(h)
	ctx.opaque = unsafe.Pointer(uintptr(h.token))

	if ret := C.avcodec_open2(ctx, codec, nil); ret < 0 {
		h.Close()
		return nil, fmt.Errorf("codec: avcodec_open2: error %d", int(ret))
	}

	h.frame = C.av_frame_alloc()
	if h.frame == nil {
		h.Close()
		return nil, errors.New("codec: av_frame_alloc failed")
	}

	return h, nil
}

func (h *decoderHandle) Kind() Kind   { return KindDecoder }
func (h *decoderHandle) Name() string { return h.name }

// Process parses and decodes the packet bytes in in (at most one
// element is meaningful; it is treated as the concatenated bitstream
// chunk to feed the parser, matching AVDecoder::process) and returns
// every decoded frame it produced as a tightly-packed YUV 4:2:0 buffer.
// An empty in flushes the parser with a nil packet.
func (h *decoderHandle) Process(in [][]byte) ([][]byte, error) {
	var data []byte
	if len(in) > 0 {
		data = in[0]
	}

	var out [][]byte
	remaining := data
	for {
		var cData *C.uint8_t
		var cLen C.int
		if len(remaining) > 0 {
			cData = (*C.uint8_t)(unsafe.Pointer(&remaining[0]))
			cLen = C.int(len(remaining))
		}

		consumed := C.av_parser_parse2(h.parser, h.ctx, &h.pkt.data, &h.pkt.size,
			cData, cLen, C.int64_t(C.AV_NOPTS_VALUE), C.int64_t(C.AV_NOPTS_VALUE), 0)
		if consumed < 0 {
			return nil, fmt.Errorf("codec: av_parser_parse2: error %d", int(consumed))
		}
		if len(remaining) > 0 {
			remaining = remaining[consumed:]
		}

		if h.pkt.size > 0 {
			frames, err := h.decode()
			if err != nil {
				return nil, err
			}
			out = append(out, frames...)
		}

		if len(remaining) == 0 {
			break
		}
	}
	return out, nil
}

func (h *decoderHandle) decode() ([][]byte, error) {
	if ret := C.avcodec_send_packet(h.ctx, h.pkt); ret < 0 {
		return nil, fmt.Errorf("codec: avcodec_send_packet: error %d", int(ret))
	}

	var out [][]byte
	for {
		ret := C.avcodec_receive_frame(h.ctx, h.frame)
		if ret == C.averror_eagain() || ret == C.averror_eof() {
			break
		}
		if ret < 0 {
			return nil, fmt.Errorf("codec: avcodec_receive_frame: error %d", int(ret))
		}
		out = append(out, h.gatherFrame())
	}
	return out, nil
}

// gatherFrame copies the decoded AVFrame's planes into a single
// tightly-packed YUV 4:2:0 buffer, gathering against frame->linesize,
// matching AVDecoder::process's plane copy.
func (h *decoderHandle) gatherFrame() []byte {
	w, height := int(h.frame.width), int(h.frame.height)
	out := make([]byte, w*height+2*(w/2)*(height/2))
	dst := out

	yLine := int(h.frame.linesize[0])
	yPlane := unsafe.Slice((*byte)(unsafe.Pointer(h.frame.data[0])), yLine*height)
	for y := 0; y < height; y++ {
		copy(dst[y*w:(y+1)*w], yPlane[y*yLine:y*yLine+w])
	}
	dst = dst[w*height:]

	cw, ch := w/2, height/2
	for plane := 1; plane <= 2; plane++ {
		line := int(h.frame.linesize[plane])
		buf := unsafe.Slice((*byte)(unsafe.Pointer(h.frame.data[plane])), line*ch)
		for y := 0; y < ch; y++ {
			copy(dst[y*cw:(y+1)*cw], buf[y*line:y*line+cw])
		}
		dst = dst[cw*ch:]
	}
	return out
}

func (h *decoderHandle) Close() {
	if h.frame != nil {
		C.av_frame_free(&h.frame)
		h.frame = nil
	}
	if h.pkt != nil {
		C.av_packet_free(&h.pkt)
		h.pkt = nil
	}
	if h.ctx != nil {
		C.avcodec_free_context(&h.ctx)
		h.ctx = nil
	}
	if h.parser != nil {
		C.av_parser_close(h.parser)
		h.parser = nil
	}
	registryDelete(h.token)
}
