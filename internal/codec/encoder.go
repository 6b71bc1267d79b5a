package codec

/*
#cgo pkg-config: libavcodec libavutil
#cgo LDFLAGS: -lavcodec -lavutil
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <stdlib.h>
#include <errno.h>

static int frame_get_buffer(AVFrame *f) { return av_frame_get_buffer(f, 0); }
static int averror_eagain(void) { return AVERROR(EAGAIN); }
static int averror_eof(void) { return AVERROR_EOF; }
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

const minBitrate = 1_000_000

type encoderHandle struct {
	ctx      *C.AVCodecContext
	frame    *C.AVFrame
	pkt      *C.AVPacket
	name     string
	width    int
	height   int
	token    int
	frameIdx int64
}

// OpenEncoder opens an encoder named name (optionally "sw-"/"hw-"
// prefixed) at the given geometry, bitrate and frame rate. Preconditions
// mirror AVEncoder::init in the C++ reference: even positive geometry,
// bps >= 1,000,000, fps >= 1.
func OpenEncoder(name string, width, height, bps, fps int) (Handle, error) {
	if !validGeometry(width, height) || bps < minBitrate || fps < 1 {
		return nil, ErrBadGeometry
	}
	bare, _ := resolveName(name)

	cName := C.CString(bare)
	defer C.free(unsafe.Pointer(cName))
	codec := C.avcodec_find_encoder_by_name(cName)
	if codec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotFound, name)
	}

	ctx := C.avcodec_alloc_context3(codec)
	if ctx == nil {
		return nil, errors.New("codec: avcodec_alloc_context3 failed")
	}

	ctx.bit_rate = C.int64_t(bps)
	ctx.width = C.int(width)
	ctx.height = C.int(height)
	ctx.time_base = C.AVRational{num: 1, den: C.int(fps)}
	ctx.framerate = C.AVRational{num: C.int(fps), den: 1}
	ctx.gop_size = 10
	ctx.max_b_frames = 1
	ctx.pix_fmt = C.AV_PIX_FMT_YUV420P

	if codec.id == C.AV_CODEC_ID_H264 || codec.id == C.AV_CODEC_ID_HEVC {
		presetKey := C.CString("preset")
		presetVal := C.CString("medium")
		C.av_opt_set(ctx.priv_data, presetKey, presetVal, 0)
		C.free(unsafe.Pointer(presetKey))
		C.free(unsafe.Pointer(presetVal))
		ctx.has_b_frames = 0
		ctx.max_b_frames = 0
	}

	h := &encoderHandle{name: C.GoString(codec.name), width: width, height: height}
	h.token = registryPut(h)
	ctx.opaque = unsafe.Pointer(uintptr(h.token))

	if ret := C.avcodec_open2(ctx, codec, nil); ret < 0 {
		C.avcodec_free_context(&ctx)
		registryDelete(h.token)
		return nil, fmt.Errorf("codec: avcodec_open2: error %d", int(ret))
	}
	h.ctx = ctx

	h.pkt = C.av_packet_alloc()
	if h.pkt == nil {
		h.Close()
		return nil, errors.New("codec: av_packet_alloc failed")
	}

	h.frame = C.av_frame_alloc()
	if h.frame == nil {
		h.Close()
		return nil, errors.New("codec: av_frame_alloc failed")
	}
	h.frame.format = C.int(C.AV_PIX_FMT_YUV420P)
	h.frame.width = C.int(width)
	h.frame.height = C.int(height)
	if ret := C.frame_get_buffer(h.frame); ret < 0 {
		h.Close()
		return nil, errors.New("codec: av_frame_get_buffer failed")
	}

	return h, nil
}

func (h *encoderHandle) Kind() Kind  { return KindEncoder }
func (h *encoderHandle) Name() string { return h.name }

// Process feeds planar YUV 4:2:0 frames into the encoder and returns
// whatever encoded packet bytes that produced, concatenated into a
// single buffer, matching AVEncoder::process. An empty in flushes the
// encoder (sends a nil frame) instead of encoding new data.
func (h *encoderHandle) Process(in [][]byte) ([][]byte, error) {
	flushing := len(in) == 0

	for _, f := range in {
		if err := h.fillFrame(f); err != nil {
			return nil, err
		}
		h.frame.pts = C.int64_t(h.frameIdx)
		h.frameIdx++
		if ret := C.avcodec_send_frame(h.ctx, h.frame); ret < 0 {
			return nil, fmt.Errorf("codec: avcodec_send_frame: error %d", int(ret))
		}
	}
	if flushing {
		if ret := C.avcodec_send_frame(h.ctx, nil); ret < 0 {
			return nil, fmt.Errorf("codec: avcodec_send_frame(flush): error %d", int(ret))
		}
	}

	var packet []byte
	for {
		ret := C.avcodec_receive_packet(h.ctx, h.pkt)
		if ret == C.averror_eagain() || ret == C.averror_eof() {
			break
		}
		if ret < 0 {
			return nil, fmt.Errorf("codec: avcodec_receive_packet: error %d", int(ret))
		}
		packet = append(packet, C.GoBytes(unsafe.Pointer(h.pkt.data), h.pkt.size)...)
		C.av_packet_unref(h.pkt)
	}

	if packet == nil {
		return nil, nil
	}
	return [][]byte{packet}, nil
}

// fillFrame copies a tightly-packed YUV 4:2:0 planar buffer into the
// AVFrame's planes, gathering against frame->linesize rather than
// assuming stride == width, matching AVEncoder::process's plane copy.
func (h *encoderHandle) fillFrame(data []byte) error {
	w, height := h.width, h.height
	want := w*height + 2*(w/2)*(height/2)
	if len(data) != want {
		return fmt.Errorf("codec: frame buffer is %d bytes, want %d", len(data), want)
	}

	src := data
	yLine := int(h.frame.linesize[0])
	yPlane := unsafe.Slice((*byte)(unsafe.Pointer(h.frame.data[0])), yLine*height)
	for y := 0; y < height; y++ {
		copy(yPlane[y*yLine:y*yLine+w], src[y*w:(y+1)*w])
	}
	src = src[w*height:]

	cw, ch := w/2, height/2
	for plane := 1; plane <= 2; plane++ {
		line := int(h.frame.linesize[plane])
		buf := unsafe.Slice((*byte)(unsafe.Pointer(h.frame.data[plane])), line*ch)
		for y := 0; y < ch; y++ {
			copy(buf[y*line:y*line+cw], src[y*cw:(y+1)*cw])
		}
		src = src[cw*ch:]
	}
	return nil
}

func (h *encoderHandle) Close() {
	if h.pkt != nil {
		C.av_packet_free(&h.pkt)
		h.pkt = nil
	}
	if h.frame != nil {
		C.av_frame_free(&h.frame)
		h.frame = nil
	}
	if h.ctx != nil {
		C.avcodec_free_context(&h.ctx)
		h.ctx = nil
	}
	registryDelete(h.token)
}
