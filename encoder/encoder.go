// Package encoder wraps libavcodec's libx264 encoder behind the
// black-box contract the sender pipeline depends on: configure once
// from the first captured frame's geometry, then emit zero or more
// Annex-B access units per input frame, always with SPS/PPS prepended
// to keyframes (spec §4.5).
package encoder

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/avutil.h>
#include <libavutil/opt.h>
#include <libavutil/imgutils.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ndibridge/bridge/h264nal"
)

// PixelFormat identifies the pixel layout libx264 is configured to
// accept. Encode always converts the raw captured frame to this layout
// via swscale before handing it to the encoder, so libx264 never sees
// the source format directly (spec §4.5).
type PixelFormat int

// Supported libx264 input pixel formats.
const (
	PixelFormatI420 PixelFormat = iota
	PixelFormatNV12
)

func (f PixelFormat) avPixFmt() int32 {
	switch f {
	case PixelFormatNV12:
		return C.AV_PIX_FMT_NV12
	default:
		return C.AV_PIX_FMT_YUV420P
	}
}

// SourceFormat identifies the packed or planar layout of the raw frame
// handed to Encode, as sniffed from the capture source (spec §4.5,
// "the pipeline sniffs width, height, frame rate, and pixel format").
type SourceFormat int32

// Supported source layouts. BGRA and UYVY cover what NDI actually
// delivers; I420 and NV12 cover synthetic or already-planar sources.
const (
	SourceFormatI420 SourceFormat = iota
	SourceFormatNV12
	SourceFormatBGRA
	SourceFormatUYVY
)

func (f SourceFormat) avPixFmt() int32 {
	switch f {
	case SourceFormatNV12:
		return C.AV_PIX_FMT_NV12
	case SourceFormatBGRA:
		return C.AV_PIX_FMT_BGRA
	case SourceFormatUYVY:
		return C.AV_PIX_FMT_UYVY422
	default:
		return C.AV_PIX_FMT_YUV420P
	}
}

// Config is the one-time configuration applied on the first captured
// frame (spec §4.5, "configure(width, height, fps, bitrate,
// keyframeInterval, inputFormat)").
type Config struct {
	Width            int
	Height           int
	FPSNum           int
	FPSDen           int
	BitrateBps       int
	KeyframeInterval int // in frames; 0 defaults to FPSNum/FPSDen
	InputFormat      PixelFormat
	SourceFormat     SourceFormat
}

// EncodedFrame is one H.264 Annex-B access unit produced by Encode.
// Keyframes carry SPS and PPS prepended per spec §4.5.
type EncodedFrame struct {
	Data       []byte
	IsKeyframe bool
	Timestamp  uint64
}

// Encoder wraps a single libx264 encode context. Not safe for
// concurrent use: the sender orchestrator drives it from one thread
// (spec §5).
type Encoder struct {
	ctx    *C.AVCodecContext
	frame  *C.AVFrame
	pkt    *C.AVPacket
	sws    *C.struct_SwsContext
	cfg    Config
	frameN int64

	sps []byte
	pps []byte
}

// New allocates an unconfigured Encoder. Configure must be called
// before the first Encode.
func New() *Encoder {
	return &Encoder{}
}

// Configure performs the one-time libx264 setup. It is safe to call at
// most once; calling it again without Close is a programming error.
func (e *Encoder) Configure(cfg Config) error {
	codec := C.avcodec_find_encoder_by_name(C.CString("libx264"))
	if codec == nil {
		return fmt.Errorf("encoder: libx264 not available in this ffmpeg build")
	}

	ctx := C.avcodec_alloc_context3(codec)
	if ctx == nil {
		return fmt.Errorf("encoder: avcodec_alloc_context3 failed")
	}

	if cfg.KeyframeInterval <= 0 {
		if cfg.FPSDen == 0 {
			cfg.FPSDen = 1
		}
		cfg.KeyframeInterval = cfg.FPSNum / cfg.FPSDen
		if cfg.KeyframeInterval <= 0 {
			cfg.KeyframeInterval = 30
		}
	}

	ctx.width = C.int(cfg.Width)
	ctx.height = C.int(cfg.Height)
	ctx.time_base.num = C.int(cfg.FPSDen)
	ctx.time_base.den = C.int(cfg.FPSNum)
	ctx.framerate.num = C.int(cfg.FPSNum)
	ctx.framerate.den = C.int(cfg.FPSDen)
	ctx.gop_size = C.int(cfg.KeyframeInterval)
	ctx.max_b_frames = 0
	ctx.bit_rate = C.int64_t(cfg.BitrateBps)
	ctx.pix_fmt = int32(cfg.InputFormat.avPixFmt())

	setPrivOpt(ctx, "preset", "ultrafast")
	setPrivOpt(ctx, "tune", "zerolatency")
	setPrivOpt(ctx, "x264-params", "bframes=0:force-cfr=1")

	if ret := C.avcodec_open2(ctx, codec, nil); ret < 0 {
		C.avcodec_free_context(&ctx)
		return fmt.Errorf("encoder: avcodec_open2 failed: %d", ret)
	}

	frame := C.av_frame_alloc()
	frame.format = ctx.pix_fmt
	frame.width = ctx.width
	frame.height = ctx.height
	if ret := C.av_frame_get_buffer(frame, 32); ret < 0 {
		C.av_frame_free(&frame)
		C.avcodec_free_context(&ctx)
		return fmt.Errorf("encoder: av_frame_get_buffer failed: %d", ret)
	}

	e.ctx = ctx
	e.frame = frame
	e.pkt = C.av_packet_alloc()
	e.cfg = cfg
	runtime.SetFinalizer(e, (*Encoder).Close)
	return nil
}

// convertInput runs the raw captured frame through swscale into the
// frame buffer libx264 will encode, mirroring the decoder's output-side
// convert() (spec §4.6). The swscale context is built once per Encoder
// since width, height, and both formats are fixed at Configure time.
func (e *Encoder) convertInput(data []byte, stride int) error {
	if e.sws == nil {
		e.sws = C.sws_getContext(
			C.int(e.cfg.Width), C.int(e.cfg.Height), e.cfg.SourceFormat.avPixFmt(),
			C.int(e.cfg.Width), C.int(e.cfg.Height), e.ctx.pix_fmt,
			C.SWS_BILINEAR, nil, nil, nil,
		)
		if e.sws == nil {
			return fmt.Errorf("encoder: sws_getContext failed")
		}
		setFullColorRange(e.sws)
	}

	srcData, srcLinesize := sourcePlanes(data, e.cfg.SourceFormat, stride, e.cfg.Height)

	C.sws_scale(
		e.sws,
		(**C.uint8_t)(unsafe.Pointer(&srcData[0])),
		(*C.int)(unsafe.Pointer(&srcLinesize[0])),
		0, C.int(e.cfg.Height),
		(**C.uint8_t)(unsafe.Pointer(&e.frame.data[0])),
		(*C.int)(unsafe.Pointer(&e.frame.linesize[0])),
	)
	return nil
}

// sourcePlanes derives the per-plane data pointers and line strides
// swscale needs from one captured frame's single contiguous buffer.
func sourcePlanes(data []byte, format SourceFormat, stride, height int) ([4]*C.uint8_t, [4]C.int) {
	var ptrs [4]*C.uint8_t
	var lines [4]C.int
	base := unsafe.Pointer(&data[0])

	switch format {
	case SourceFormatNV12:
		ySize := stride * height
		ptrs[0] = (*C.uint8_t)(base)
		ptrs[1] = (*C.uint8_t)(unsafe.Add(base, ySize))
		lines[0] = C.int(stride)
		lines[1] = C.int(stride)
	case SourceFormatI420:
		ySize := stride * height
		cStride := stride / 2
		cSize := cStride * (height / 2)
		ptrs[0] = (*C.uint8_t)(base)
		ptrs[1] = (*C.uint8_t)(unsafe.Add(base, ySize))
		ptrs[2] = (*C.uint8_t)(unsafe.Add(base, ySize+cSize))
		lines[0] = C.int(stride)
		lines[1] = C.int(cStride)
		lines[2] = C.int(cStride)
	default: // BGRA, UYVY: single packed plane
		ptrs[0] = (*C.uint8_t)(base)
		lines[0] = C.int(stride)
	}
	return ptrs, lines
}

// setFullColorRange forces full-range color on the swscale context so
// converting into libx264's input buffer does not introduce a
// limited-range shift (mirrors decoder.setFullColorRange, spec §4.6).
func setFullColorRange(sws *C.struct_SwsContext) {
	var invTable, table *C.int
	var srcRange, dstRange, brightness, contrast, saturation C.int
	if C.sws_getColorspaceDetails(sws, &invTable, &srcRange, &table, &dstRange, &brightness, &contrast, &saturation) == 0 {
		srcRange = 1
		dstRange = 1
		C.sws_setColorspaceDetails(sws, invTable, srcRange, table, dstRange, brightness, contrast, saturation)
	}
}

func setPrivOpt(ctx *C.AVCodecContext, key, val string) {
	ckey := C.CString(key)
	defer C.free(unsafe.Pointer(ckey))
	cval := C.CString(val)
	defer C.free(unsafe.Pointer(cval))
	C.av_opt_set(ctx.priv_data, ckey, cval, 0)
}

// Encode submits one raw captured frame (single contiguous buffer in
// cfg.SourceFormat, with the given line stride) and returns the access
// units emitted for it. The frame is converted to cfg.InputFormat via
// swscale before reaching libx264, so callers never need to pre-split
// planes themselves (spec §4.5). The contract guarantees at most one
// output per input (no B-frame reordering); the slice return type
// accommodates encoders that flush on configuration boundaries.
func (e *Encoder) Encode(data []byte, stride int, timestamp uint64) ([]EncodedFrame, error) {
	if e.ctx == nil {
		return nil, fmt.Errorf("encoder: Encode called before Configure")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("encoder: Encode called with an empty frame")
	}

	if ret := C.av_frame_make_writable(e.frame); ret < 0 {
		return nil, fmt.Errorf("encoder: av_frame_make_writable failed: %d", ret)
	}

	if err := e.convertInput(data, stride); err != nil {
		return nil, err
	}

	e.frame.pts = C.int64_t(e.frameN)
	e.frameN++

	if ret := C.avcodec_send_frame(e.ctx, e.frame); ret < 0 {
		return nil, fmt.Errorf("encoder: avcodec_send_frame failed: %d", ret)
	}

	var out []EncodedFrame
	for {
		ret := C.avcodec_receive_packet(e.ctx, e.pkt)
		if ret == C.AVERROR(C.EAGAIN) || ret == C.int(C.AVERROR_EOF) {
			break
		}
		if ret < 0 {
			return out, fmt.Errorf("encoder: avcodec_receive_packet failed: %d", ret)
		}

		data := C.GoBytes(unsafe.Pointer(e.pkt.data), e.pkt.size)
		C.av_packet_unref(e.pkt)

		units := h264nal.ParseAnnexB(data)
		isKeyframe := false
		for _, u := range units {
			if h264nal.IsSPS(u.Type) {
				e.sps = append([]byte{}, u.Data...)
			}
			if h264nal.IsPPS(u.Type) {
				e.pps = append([]byte{}, u.Data...)
			}
			if h264nal.IsKeyframe(u.Type) {
				isKeyframe = true
			}
		}

		if isKeyframe && len(e.sps) > 0 && len(e.pps) > 0 {
			data = h264nal.PrependParameterSets(e.sps, e.pps, data)
		}

		out = append(out, EncodedFrame{Data: data, IsKeyframe: isKeyframe, Timestamp: timestamp})
	}

	return out, nil
}

// Close releases the underlying libavcodec resources. Safe to call
// more than once.
func (e *Encoder) Close() {
	if e.sws != nil {
		C.sws_freeContext(e.sws)
		e.sws = nil
	}
	if e.pkt != nil {
		C.av_packet_free(&e.pkt)
		e.pkt = nil
	}
	if e.frame != nil {
		C.av_frame_free(&e.frame)
		e.frame = nil
	}
	if e.ctx != nil {
		C.avcodec_free_context(&e.ctx)
		e.ctx = nil
	}
	runtime.SetFinalizer(e, nil)
}
