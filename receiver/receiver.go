// Package receiver implements the receiver orchestrator: it wires the
// UDP transport's reassembled frames through a bounded decode queue,
// a single decode thread, and a playout scheduler into the NDI publish
// sink (spec §4.9).
package receiver

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ndibridge/bridge/decoder"
	"github.com/ndibridge/bridge/playout"
	"github.com/ndibridge/bridge/publish"
	"github.com/ndibridge/bridge/queue"
	"github.com/ndibridge/bridge/reassembly"
	"github.com/ndibridge/bridge/stats"
	"github.com/ndibridge/bridge/transport"
)

// decodeQueueCapacity holds roughly 3 seconds of video at 30fps (spec
// §4.9, "queue of size 90").
const decodeQueueCapacity = 90

// Config holds the receiver's static configuration.
type Config struct {
	OutputFormat decoder.PixelFormat
	// BufferMs is the playout scheduler's target delay; 0 means
	// forward every decoded/passthrough frame immediately.
	BufferMs int64
}

// Receiver is the receiver-side orchestrator. One decode goroutine
// drains the bounded decode queue and drives the decoder; both decoded
// video and passthrough audio flow through a shared playout scheduler
// before reaching the NDI publish sink.
type Receiver struct {
	log       *slog.Logger
	transport *transport.Receiver
	decoder   *decoder.Decoder
	sink      *publish.Sink
	scheduler *playout.Scheduler
	queue     *queue.Queue[*reassembly.CompletedFrame]

	stopOnce   sync.Once
	wg         sync.WaitGroup
	codecStats stats.CodecCounters
}

// New builds a Receiver and installs its callbacks on t. t and sink
// must already be usable; New does not start decoding until Start is
// called.
func New(cfg Config, t *transport.Receiver, sink *publish.Sink, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "receiver")

	dec, err := decoder.New(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		log:       log,
		transport: t,
		decoder:   dec,
		sink:      sink,
		queue:     queue.New[*reassembly.CompletedFrame](decodeQueueCapacity),
	}
	r.scheduler = playout.New(cfg.BufferMs, r.deliver)

	t.OnVideoFrame = r.onVideoFrame
	t.OnAudioFrame = r.onAudioFrame
	t.OnError = func(err error) { r.log.Warn("transport error", "error", err) }

	return r, nil
}

// Start spawns the decode thread.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.decodeLoop()
}

func (r *Receiver) onVideoFrame(f *reassembly.CompletedFrame) {
	r.queue.Push(f)
}

// onAudioFrame bypasses the decoder entirely: audio travels the wire as
// raw planar float32 and is forwarded straight through the playout
// scheduler (spec §6, mirrors sender's audio passthrough).
func (r *Receiver) onAudioFrame(f *reassembly.CompletedFrame) {
	samples := bytesToFloat32Slice(f.Data)
	channels := int(f.Channels)
	samplesPerChannel := 0
	if channels > 0 {
		samplesPerChannel = len(samples) / channels
	}
	r.scheduler.SubmitAudio(playout.Frame{
		Timestamp: f.Timestamp,
		Payload: audioPayload{
			samples:           samples,
			sampleRate:        int(f.SampleRate),
			channels:          channels,
			samplesPerChannel: samplesPerChannel,
		},
	})
}

func (r *Receiver) decodeLoop() {
	defer r.wg.Done()

	for {
		frame, ok := r.queue.Pop()
		if !ok {
			return
		}

		start := time.Now()
		decoded, err := r.decoder.Decode(frame.Data, frame.Timestamp)
		r.codecStats.RecordLatency(time.Since(start))
		if err != nil {
			r.log.Warn("decode failed", "error", err)
			continue
		}
		if decoded == nil {
			// Decoder buffering, or not yet Ready (spec §7
			// DecoderNotReady): silently drop until the next keyframe.
			continue
		}

		r.codecStats.FramesProcessed.Add(1)
		if frame.IsKeyframe {
			r.codecStats.KeyframesEmitted.Add(1)
		}

		// decoded.Pixels aliases the decoder's reused output buffer, so
		// the scheduler gets its own copy to hold until playout.
		owned := *decoded
		owned.Pixels = append([]byte(nil), decoded.Pixels...)

		r.scheduler.SubmitVideo(playout.Frame{
			Timestamp: owned.Timestamp,
			Payload:   videoPayload{frame: &owned},
		})
	}
}

type videoPayload struct {
	frame *decoder.DecodedFrame
}

type audioPayload struct {
	samples           []float32
	sampleRate        int
	channels          int
	samplesPerChannel int
}

func (r *Receiver) deliver(f playout.Frame) {
	switch p := f.Payload.(type) {
	case videoPayload:
		r.sink.SendVideo(p.frame.Pixels, p.frame.Width, p.frame.Height, p.frame.Stride, publishFormat(p.frame.PixelFormat), f.Timestamp)
	case audioPayload:
		r.sink.SendAudio(p.samples, p.sampleRate, p.channels, p.samplesPerChannel, f.Timestamp)
	}
}

func publishFormat(f decoder.PixelFormat) publish.PixelFormat {
	if f == decoder.PixelFormatUYVY {
		return publish.PixelFormatUYVY
	}
	return publish.PixelFormatBGRA
}

func bytesToFloat32Slice(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
	}
	return out
}

// Snapshot returns a JSON-ready view of the receiver pipeline's counters.
func (r *Receiver) Snapshot() stats.Receiver {
	return stats.Receiver{
		Reassembly:  r.transport.Snapshot(),
		DecodeQueue: stats.QueueStats{Depth: r.queue.Len(), Dropped: r.queue.Dropped()},
		Decoder:     r.codecStats.Snapshot(),
	}
}

// Stop is idempotent: only the first caller tears the decode thread and
// owned resources down.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.queue.Close()
		r.wg.Wait()
		r.scheduler.Close()
		r.decoder.Close()
		if err := r.transport.Close(); err != nil {
			r.log.Warn("error closing transport", "error", err)
		}
		r.sink.Close()
	})
}
