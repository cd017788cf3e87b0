// Package publish is a thin cgo wrapper around the vendor NDI SDK's
// send API: it republishes decoded video and passthrough audio as a
// named NDI source on the local network (spec §6, "NDI publish
// interface").
package publish

/*
#cgo LDFLAGS: -lndi
#include <Processing.NDI.Lib.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// PixelFormat identifies the pixel layout SendVideo expects.
type PixelFormat int

// Supported pixel formats, matching decoder.PixelFormat's values.
const (
	PixelFormatBGRA PixelFormat = iota
	PixelFormatUYVY
)

func (f PixelFormat) fourCC() C.NDIlib_FourCC_video_type_e {
	switch f {
	case PixelFormatUYVY:
		return C.NDIlib_FourCC_video_type_UYVY
	default:
		return C.NDIlib_FourCC_video_type_BGRA
	}
}

// Sink owns one NDI send instance advertised under name. Sink keeps no
// Go-side state besides that instance. In the receiver's real-time mode
// SendVideo is called from the decode goroutine and SendAudio from the
// UDP receive goroutine; in buffered mode both come from the playout
// goroutine. Close must not run concurrently with either.
type Sink struct {
	send *C.NDIlib_send_instance_t
}

// New creates and advertises an NDI source named name.
func New(name string) (*Sink, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	settings := C.NDIlib_send_create_t{
		p_ndi_name: cName,
	}

	send := C.NDIlib_send_create(&settings)
	if send == nil {
		return nil, fmt.Errorf("publish: NDIlib_send_create failed for %q", name)
	}
	return &Sink{send: &send}, nil
}

// SendVideo publishes one decoded frame. pixels must be stride*height
// bytes in the given format.
func (s *Sink) SendVideo(pixels []byte, width, height, stride int, format PixelFormat, timestamp uint64) {
	if len(pixels) == 0 {
		return
	}

	frame := C.NDIlib_video_frame_v2_t{
		xres:                 C.int(width),
		yres:                 C.int(height),
		FourCC:               format.fourCC(),
		line_stride_in_bytes: C.int(stride),
		timestamp:            C.int64_t(timestamp),
		p_data:               (*C.uint8_t)(unsafe.Pointer(&pixels[0])),
	}

	C.NDIlib_send_send_video_v2(*s.send, &frame)
}

// SendAudio publishes one planar float32 audio buffer.
func (s *Sink) SendAudio(samples []float32, sampleRate, channels, samplesPerChannel int, timestamp uint64) {
	if len(samples) == 0 {
		return
	}

	frame := C.NDIlib_audio_frame_v2_t{
		sample_rate:             C.int(sampleRate),
		no_channels:             C.int(channels),
		no_samples:              C.int(samplesPerChannel),
		timestamp:               C.int64_t(timestamp),
		p_data:                  (*C.float)(unsafe.Pointer(&samples[0])),
		channel_stride_in_bytes: C.int(samplesPerChannel * 4),
	}

	C.NDIlib_send_send_audio_v2(*s.send, &frame)
}

// Close destroys the underlying NDI send instance, withdrawing the
// advertised source.
func (s *Sink) Close() {
	if s.send != nil {
		C.NDIlib_send_destroy(*s.send)
		s.send = nil
	}
}
