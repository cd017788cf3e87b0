// Package sender implements the sender orchestrator: it wires the
// external NDI capture source through a bounded frame queue into a
// single encode-and-send thread (spec §4.8).
package sender

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ndibridge/bridge/capture"
	"github.com/ndibridge/bridge/encoder"
	"github.com/ndibridge/bridge/queue"
	"github.com/ndibridge/bridge/stats"
	"github.com/ndibridge/bridge/transport"
)

// State identifies the sender orchestrator's lifecycle stage.
type State int32

// Lifecycle states (spec §4.8: Idle -> Configuring -> Streaming).
const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
)

// frameQueueCapacity is the sender's bounded frame queue size (spec
// §4.8, "queue of size 3").
const frameQueueCapacity = 3

// Config holds the sender's static configuration, applied to the
// encoder on the first captured frame.
type Config struct {
	BitrateBps       int
	FPSNum           int
	FPSDen           int
	KeyframeInterval int
	InputFormat      encoder.PixelFormat
}

// Sender is the sender-side orchestrator. One encode goroutine consumes
// the frame queue and drives both the encoder and the UDP transport
// sender serially, per spec §4.8's "the encoder serialises both encode
// and send" design.
type Sender struct {
	log       *slog.Logger
	cfg       Config
	frames    *queue.Queue[capture.VideoFrame]
	encoder   *encoder.Encoder
	transport *transport.Sender

	state      atomic.Int32
	running    atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup
	codecStats stats.CodecCounters
}

// New builds a Sender ready to Start. transport must already be
// connected.
func New(cfg Config, t *transport.Sender, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		log:       log.With("component", "sender"),
		cfg:       cfg,
		frames:    queue.New[capture.VideoFrame](frameQueueCapacity),
		encoder:   encoder.New(),
		transport: t,
	}
}

// Start spawns the encode thread. Safe to call once.
func (s *Sender) Start() {
	s.running.Store(true)
	s.wg.Add(1)
	go s.encodeLoop()
}

// OnVideoFrame is installed as the capture source's video callback. It
// drops-oldest into the bounded frame queue; the capture source must
// never be slowed down (spec §4.8). Data is copied because the queue
// outlives the callback that owns the SDK's frame buffer.
func (s *Sender) OnVideoFrame(f capture.VideoFrame) {
	owned := make([]byte, len(f.Data))
	copy(owned, f.Data)
	f.Data = owned
	s.frames.Push(f)
}

// OnAudioFrame is installed as the capture source's audio callback.
// Audio bypasses the encoder entirely and is forwarded to the UDP
// transport directly as planar float32 samples (spec §6).
func (s *Sender) OnAudioFrame(f capture.AudioFrame) {
	data := float32SliceToBytes(f.Samples)
	s.transport.SendAudio(data, f.Timestamp, uint32(f.SampleRate), uint8(f.Channels))
}

// OnError is installed as the capture source's error callback.
func (s *Sender) OnError(err error) {
	s.log.Warn("capture error", "error", err)
}

func (s *Sender) encodeLoop() {
	defer s.wg.Done()

	for {
		frame, ok := s.frames.Pop()
		if !ok {
			return
		}

		if State(s.state.Load()) == StateIdle {
			if err := s.configure(frame); err != nil {
				s.log.Error("encoder configuration failed", "error", err)
				// Fatal per spec §7 EncoderConfigureFailure: the orchestrator
				// keeps accepting frames but cannot emit any; surfaced only
				// via statistics.
				continue
			}
			s.state.Store(int32(StateConfiguring))
		}

		start := time.Now()
		encoded, err := s.encoder.Encode(frame.Data, frame.Stride, frame.Timestamp)
		s.codecStats.RecordLatency(time.Since(start))
		if err != nil {
			s.log.Warn("encode failed", "error", err)
			continue
		}

		s.state.Store(int32(StateStreaming))

		for _, ef := range encoded {
			s.codecStats.FramesProcessed.Add(1)
			if ef.IsKeyframe {
				s.codecStats.KeyframesEmitted.Add(1)
			}
			s.transport.SendVideo(ef.Data, ef.IsKeyframe, ef.Timestamp)
		}
	}
}

func (s *Sender) configure(frame capture.VideoFrame) error {
	return s.encoder.Configure(encoder.Config{
		Width:            frame.Width,
		Height:           frame.Height,
		FPSNum:           nonZero(s.cfg.FPSNum, frame.FrameRateNum),
		FPSDen:           nonZero(s.cfg.FPSDen, frame.FrameRateDen),
		BitrateBps:       s.cfg.BitrateBps,
		KeyframeInterval: s.cfg.KeyframeInterval,
		InputFormat:      s.cfg.InputFormat,
		SourceFormat:     sourceFormatFromFourCC(frame.FourCC),
	})
}

func nonZero(preferred, fallback int) int {
	if preferred != 0 {
		return preferred
	}
	return fallback
}

// State returns the orchestrator's current lifecycle state.
func (s *Sender) State() State { return State(s.state.Load()) }

// Running reports whether the encode thread has been started and not
// yet stopped (spec §4, "a single running boolean governs all threads").
func (s *Sender) Running() bool { return s.running.Load() }

// Snapshot returns a JSON-ready view of the sender pipeline's counters.
func (s *Sender) Snapshot() stats.Sender {
	return stats.Sender{
		FrameQueue: stats.QueueStats{Depth: s.frames.Len(), Dropped: s.frames.Dropped()},
		Encoder:    s.codecStats.Snapshot(),
		Transport:  s.transport.Snapshot(),
	}
}

// Stop is idempotent: only the first caller tears the encode thread
// down (spec §4.8, "compare-and-set so concurrent callers do not join
// the encoder thread twice").
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.frames.Close()
		s.wg.Wait()
		s.encoder.Close()
		if err := s.transport.Close(); err != nil {
			s.log.Warn("error closing transport", "error", err)
		}
	})
}

func float32SliceToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// sourceFormatFromFourCC maps the FourCC the capture source actually
// delivered to the encoder's matching SourceFormat, so the encoder's
// swscale step converts from what was really captured rather than
// trusting a caller-supplied guess (spec §4.5, "the pipeline sniffs
// width, height, frame rate, and pixel format").
func sourceFormatFromFourCC(fourCC uint32) encoder.SourceFormat {
	switch fourCC {
	case fourCCNV12:
		return encoder.SourceFormatNV12
	case fourCCBGRA, fourCCBGRX:
		return encoder.SourceFormatBGRA
	case fourCCUYVY:
		return encoder.SourceFormatUYVY
	default:
		return encoder.SourceFormatI420
	}
}

// NDI FourCCs the capture source can deliver (spec §6). A zero FourCC
// (synthetic capture sources that never set one) falls through to I420.
const (
	fourCCNV12 = uint32('N') | uint32('V')<<8 | uint32('1')<<16 | uint32('2')<<24
	fourCCBGRA = uint32('B') | uint32('G')<<8 | uint32('R')<<16 | uint32('A')<<24
	fourCCBGRX = uint32('B') | uint32('G')<<8 | uint32('R')<<16 | uint32('X')<<24
	fourCCUYVY = uint32('U') | uint32('Y')<<8 | uint32('V')<<16 | uint32('Y')<<24
)
