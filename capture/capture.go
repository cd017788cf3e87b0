// Package capture is a thin cgo wrapper around the vendor NDI SDK's
// receive API. It exposes exactly the external capture-source contract
// the sender pipeline depends on (spec §6): source discovery, connect,
// and video/audio/error callbacks delivered from the SDK's own capture
// thread.
package capture

/*
#cgo LDFLAGS: -lndi
#include <Processing.NDI.Lib.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"
)

// Source identifies one discovered NDI source on the network.
type Source struct {
	Name    string
	Address string
}

// VideoFrame is delivered to OnVideoFrame. Data aliases memory owned by
// the NDI SDK for the duration of the callback only; callers that need
// to retain it must copy.
type VideoFrame struct {
	Data         []byte
	Width        int
	Height       int
	Stride       int
	FourCC       uint32
	FrameRateNum int
	FrameRateDen int
	Timestamp    uint64 // 10MHz ticks
}

// AudioFrame is delivered to OnAudioFrame. Samples are planar 32-bit
// float, aliasing SDK-owned memory for the duration of the callback.
type AudioFrame struct {
	Samples           []float32
	SampleRate        int
	Channels          int
	SamplesPerChannel int
	Timestamp         uint64
}

// Discover finds NDI sources on the local network for up to timeout.
func Discover(timeout time.Duration) ([]Source, error) {
	finder := C.NDIlib_find_create_v2(nil)
	if finder == nil {
		return nil, fmt.Errorf("capture: NDIlib_find_create_v2 failed")
	}
	defer C.NDIlib_find_destroy(finder)

	C.NDIlib_find_wait_for_sources(finder, C.uint32_t(timeout.Milliseconds()))

	var count C.uint32_t
	cSources := C.NDIlib_find_get_current_sources(finder, &count)

	sources := make([]Source, 0, int(count))
	base := unsafe.Pointer(cSources)
	for i := 0; i < int(count); i++ {
		s := (*C.NDIlib_source_t)(unsafe.Add(base, i*int(unsafe.Sizeof(C.NDIlib_source_t{}))))
		sources = append(sources, Source{
			Name: C.GoString(s.p_ndi_name),
		})
	}
	return sources, nil
}

// Receiver owns one NDI receive instance and delivers captured frames
// via the installed callbacks from its own pump goroutine. A Receiver
// must have its callbacks installed before Run is called.
type Receiver struct {
	mu      sync.Mutex
	pending *Source
	recv    *C.NDIlib_recv_instance_t

	OnVideoFrame func(VideoFrame)
	OnAudioFrame func(AudioFrame)
	OnError      func(error)
}

// New allocates an unconnected Receiver.
func New() *Receiver {
	return &Receiver{}
}

// PrepareConnect stores the target source without performing the
// connection. Some NDI builds require connection setup to happen on
// the same thread that later pumps the receive loop; Run performs the
// actual connect on its first iteration (spec §9, two-phase connect).
func (r *Receiver) PrepareConnect(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &source
}

// Run pumps the NDI receive loop until stop is closed. It locks the
// calling goroutine to its OS thread for the whole call, so connection
// setup and the receive loop share one thread; PrepareConnect must have
// been called first.
func (r *Receiver) Run(stop <-chan struct{}) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.mu.Lock()
	source := r.pending
	r.mu.Unlock()
	if source == nil {
		return fmt.Errorf("capture: Run called without PrepareConnect")
	}

	cName := C.CString(source.Name)
	defer C.free(unsafe.Pointer(cName))

	var ndiSource C.NDIlib_source_t
	ndiSource.p_ndi_name = cName

	createSettings := C.NDIlib_recv_create_v3_t{
		source_to_connect_to: ndiSource,
		color_format:          C.NDIlib_recv_color_format_BGRX_BGRA,
		bandwidth:             C.NDIlib_recv_bandwidth_highest,
		allow_video_fields:    C.bool(false),
	}

	recv := C.NDIlib_recv_create_v3(&createSettings)
	if recv == nil {
		return fmt.Errorf("capture: NDIlib_recv_create_v3 failed for %q", source.Name)
	}
	defer C.NDIlib_recv_destroy(recv)

	r.mu.Lock()
	r.recv = &recv
	r.mu.Unlock()

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		var video C.NDIlib_video_frame_v2_t
		var audio C.NDIlib_audio_frame_v2_t

		frameType := C.NDIlib_recv_capture_v2(recv, &video, &audio, nil, 200)

		switch frameType {
		case C.NDIlib_frame_type_video:
			r.dispatchVideo(&video)
			C.NDIlib_recv_free_video_v2(recv, &video)
		case C.NDIlib_frame_type_audio:
			r.dispatchAudio(&audio)
			C.NDIlib_recv_free_audio_v2(recv, &audio)
		case C.NDIlib_frame_type_error:
			if r.OnError != nil {
				r.OnError(fmt.Errorf("capture: NDI receive error"))
			}
		default:
			// timeout or status-change frame types need no action
		}
	}
}

func (r *Receiver) dispatchVideo(v *C.NDIlib_video_frame_v2_t) {
	if r.OnVideoFrame == nil {
		return
	}
	stride := int(v.line_stride_in_bytes)
	height := int(v.yres)
	data := unsafe.Slice((*byte)(unsafe.Pointer(v.p_data)), stride*height)

	r.OnVideoFrame(VideoFrame{
		Data:         data,
		Width:        int(v.xres),
		Height:       height,
		Stride:       stride,
		FourCC:       uint32(v.FourCC),
		FrameRateNum: int(v.frame_rate_N),
		FrameRateDen: int(v.frame_rate_D),
		Timestamp:    uint64(v.timestamp),
	})
}

func (r *Receiver) dispatchAudio(a *C.NDIlib_audio_frame_v2_t) {
	if r.OnAudioFrame == nil {
		return
	}
	total := int(a.no_channels) * int(a.no_samples)
	samples := unsafe.Slice((*float32)(unsafe.Pointer(a.p_data)), total)

	r.OnAudioFrame(AudioFrame{
		Samples:           samples,
		SampleRate:        int(a.sample_rate),
		Channels:          int(a.no_channels),
		SamplesPerChannel: int(a.no_samples),
		Timestamp:         uint64(a.timestamp),
	})
}
