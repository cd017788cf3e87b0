// Package decoder wraps libavcodec's H.264 decoder. It tracks SPS/PPS
// observation to know when it is safe to feed non-keyframe input, and
// converts the decoder's native pixel format to a requested output
// format using full color range throughout (spec §4.6).
package decoder

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/avutil.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/ndibridge/bridge/h264nal"
)

// PixelFormat identifies the caller-requested output pixel layout.
type PixelFormat int

// Supported output pixel formats.
const (
	PixelFormatBGRA PixelFormat = iota
	PixelFormatUYVY
)

func (f PixelFormat) avPixFmt() int32 {
	switch f {
	case PixelFormatUYVY:
		return C.AV_PIX_FMT_UYVY422
	default:
		return C.AV_PIX_FMT_BGRA
	}
}

// DecodedFrame is one decoded picture in the requested output format.
// Pixels points into a buffer owned by the Decoder and is only valid
// until the next Decode call; callers that need to retain it must copy.
type DecodedFrame struct {
	Pixels      []byte
	Width       int
	Height      int
	Stride      int
	PixelFormat PixelFormat
	Timestamp   uint64
}

// Decoder wraps a single libavcodec H.264 decode context plus an
// swscale conversion context to the requested output format. Not safe
// for concurrent use: the receiver's decode thread owns it exclusively
// (spec §5).
type Decoder struct {
	ctx       *C.AVCodecContext
	frame     *C.AVFrame
	pkt       *C.AVPacket
	sws       *C.struct_SwsContext
	outFormat PixelFormat
	outBuf    []byte
	swsW      int
	swsH      int

	sawSPS bool
	sawPPS bool

	decodeCount    int64
	totalLatencyNs int64
	maxLatencyNs   int64
}

// New allocates and opens an H.264 decode context that will convert
// output to outFormat.
func New(outFormat PixelFormat) (*Decoder, error) {
	codec := C.avcodec_find_decoder(C.AV_CODEC_ID_H264)
	if codec == nil {
		return nil, fmt.Errorf("decoder: H.264 decoder not available in this ffmpeg build")
	}

	ctx := C.avcodec_alloc_context3(codec)
	if ctx == nil {
		return nil, fmt.Errorf("decoder: avcodec_alloc_context3 failed")
	}

	if ret := C.avcodec_open2(ctx, codec, nil); ret < 0 {
		C.avcodec_free_context(&ctx)
		return nil, fmt.Errorf("decoder: avcodec_open2 failed: %d", ret)
	}

	d := &Decoder{
		ctx:       ctx,
		frame:     C.av_frame_alloc(),
		pkt:       C.av_packet_alloc(),
		outFormat: outFormat,
	}
	runtime.SetFinalizer(d, (*Decoder).Close)
	return d, nil
}

// Ready reports whether both an SPS and a PPS have been observed, i.e.
// whether it is safe to feed non-IDR input (spec §4.6, §7
// DecoderNotReady).
func (d *Decoder) Ready() bool { return d.sawSPS && d.sawPPS }

// Decode feeds one complete Annex-B access unit and returns the
// decoded picture, or nil if the decoder produced no frame (buffering,
// or input discarded because the decoder is not yet Ready).
func (d *Decoder) Decode(accessUnit []byte, timestamp uint64) (*DecodedFrame, error) {
	units := h264nal.ParseAnnexB(accessUnit)
	for _, u := range units {
		if h264nal.IsSPS(u.Type) {
			d.sawSPS = true
		}
		if h264nal.IsPPS(u.Type) {
			d.sawPPS = true
		}
	}

	if !d.Ready() {
		return nil, nil
	}

	start := time.Now()

	d.pkt.data = (*C.uint8_t)(unsafe.Pointer(&accessUnit[0]))
	d.pkt.size = C.int(len(accessUnit))

	if ret := C.avcodec_send_packet(d.ctx, d.pkt); ret < 0 {
		return nil, fmt.Errorf("decoder: avcodec_send_packet failed: %d", ret)
	}

	ret := C.avcodec_receive_frame(d.ctx, d.frame)
	if ret == C.AVERROR(C.EAGAIN) || ret == C.int(C.AVERROR_EOF) {
		return nil, nil
	}
	if ret < 0 {
		return nil, fmt.Errorf("decoder: avcodec_receive_frame failed: %d", ret)
	}

	out, err := d.convert()
	if err != nil {
		return nil, err
	}
	out.Timestamp = timestamp

	elapsed := time.Since(start).Nanoseconds()
	d.decodeCount++
	d.totalLatencyNs += elapsed
	if elapsed > d.maxLatencyNs {
		d.maxLatencyNs = elapsed
	}

	return out, nil
}

// convert runs the current decoded frame through swscale into the
// requested output format, using full color range on both ends to
// avoid the limited-range shift (spec §4.6).
func (d *Decoder) convert() (*DecodedFrame, error) {
	w := int(d.frame.width)
	h := int(d.frame.height)
	outFmt := d.outFormat.avPixFmt()

	if d.sws == nil || d.swsW != w || d.swsH != h {
		if d.sws != nil {
			C.sws_freeContext(d.sws)
		}
		d.sws = C.sws_getContext(
			C.int(w), C.int(h), int32(d.frame.format),
			C.int(w), C.int(h), outFmt,
			C.SWS_BILINEAR, nil, nil, nil,
		)
		if d.sws == nil {
			return nil, fmt.Errorf("decoder: sws_getContext failed")
		}
		setFullColorRange(d.sws)
		d.swsW, d.swsH = w, h
	}

	stride := outStride(outFmt, w)
	need := stride * h
	if len(d.outBuf) < need {
		d.outBuf = make([]byte, need)
	}

	dstData := [4]*C.uint8_t{(*C.uint8_t)(unsafe.Pointer(&d.outBuf[0]))}
	dstLinesize := [4]C.int{C.int(stride)}

	C.sws_scale(
		d.sws,
		(**C.uint8_t)(unsafe.Pointer(&d.frame.data[0])),
		(*C.int)(unsafe.Pointer(&d.frame.linesize[0])),
		0, C.int(h),
		(**C.uint8_t)(unsafe.Pointer(&dstData[0])),
		(*C.int)(unsafe.Pointer(&dstLinesize[0])),
	)

	return &DecodedFrame{
		Pixels:      d.outBuf[:need],
		Width:       w,
		Height:      h,
		Stride:      stride,
		PixelFormat: d.outFormat,
	}, nil
}

func outStride(avFmt int32, width int) int {
	switch avFmt {
	case C.AV_PIX_FMT_BGRA:
		return width * 4
	case C.AV_PIX_FMT_UYVY422:
		return width * 2
	default:
		return width * 4
	}
}

func setFullColorRange(sws *C.struct_SwsContext) {
	var invTable, table *C.int
	var srcRange, dstRange, brightness, contrast, saturation C.int
	if C.sws_getColorspaceDetails(sws, &invTable, &srcRange, &table, &dstRange, &brightness, &contrast, &saturation) == 0 {
		srcRange = 1
		dstRange = 1
		C.sws_setColorspaceDetails(sws, invTable, srcRange, table, dstRange, brightness, contrast, saturation)
	}
}

// LatencyStats returns the average and max decode latency observed so
// far, for diagnostics (spec §4.6).
func (d *Decoder) LatencyStats() (avg, max time.Duration) {
	if d.decodeCount == 0 {
		return 0, 0
	}
	return time.Duration(d.totalLatencyNs / d.decodeCount), time.Duration(d.maxLatencyNs)
}

// Close releases the underlying libavcodec/libswscale resources. Safe
// to call more than once.
func (d *Decoder) Close() {
	if d.sws != nil {
		C.sws_freeContext(d.sws)
		d.sws = nil
	}
	if d.pkt != nil {
		C.av_packet_free(&d.pkt)
		d.pkt = nil
	}
	if d.frame != nil {
		C.av_frame_free(&d.frame)
		d.frame = nil
	}
	if d.ctx != nil {
		C.avcodec_free_context(&d.ctx)
		d.ctx = nil
	}
	runtime.SetFinalizer(d, nil)
}
