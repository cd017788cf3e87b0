// Package reassembly implements per-media-type fragment reassembly: the
// receiver-side counterpart to the sender's fragmentation in package
// transport. At most one frame is ever in flight per Reassembler; an
// incoming fragment for a new sequence number discards whatever was
// in flight and starts fresh (spec §4.2).
package reassembly

import (
	"sync/atomic"

	"github.com/ndibridge/bridge/protocol"
)

// CompletedFrame is a fully reassembled logical frame, ready for the
// decode queue (video) or direct forwarding (audio).
type CompletedFrame struct {
	MediaType      protocol.MediaType
	SequenceNumber uint32
	Timestamp      uint64
	Data           []byte
	IsKeyframe     bool
	SampleRate     uint32
	Channels       uint8
}

// Stats holds atomic counters describing a Reassembler's health. The
// ratio of totalFragmentsReceivedBeforeDrop to totalFragmentsExpected is a
// strong diagnostic of MTU-vs-link-capacity mismatch (spec §4.2).
type Stats struct {
	PacketsReceived                  atomic.Int64
	PacketsDuplicate                 atomic.Int64
	InvalidPackets                   atomic.Int64
	FramesCompleted                  atomic.Int64
	FramesDropped                    atomic.Int64
	TotalFragmentsReceivedBeforeDrop atomic.Int64
	TotalFragmentsExpectedBeforeDrop atomic.Int64
}

// Snapshot is a point-in-time copy of Stats suitable for JSON encoding.
type Snapshot struct {
	PacketsReceived        int64   `json:"packetsReceived"`
	PacketsDuplicate       int64   `json:"packetsDuplicate"`
	InvalidPackets         int64   `json:"invalidPackets"`
	FramesCompleted        int64   `json:"framesCompleted"`
	FramesDropped          int64   `json:"framesDropped"`
	AverageCompletionRatio float64 `json:"averageCompletionRatio"`
}

// Snapshot returns a consistent-enough point-in-time copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	expected := s.TotalFragmentsExpectedBeforeDrop.Load()
	received := s.TotalFragmentsReceivedBeforeDrop.Load()
	var ratio float64
	if expected > 0 {
		ratio = float64(received) / float64(expected)
	}
	return Snapshot{
		PacketsReceived:        s.PacketsReceived.Load(),
		PacketsDuplicate:       s.PacketsDuplicate.Load(),
		InvalidPackets:         s.InvalidPackets.Load(),
		FramesCompleted:        s.FramesCompleted.Load(),
		FramesDropped:          s.FramesDropped.Load(),
		AverageCompletionRatio: ratio,
	}
}

// pendingFrame tracks the single in-flight frame for one media type.
type pendingFrame struct {
	mediaType      protocol.MediaType
	sequenceNumber uint32
	timestamp      uint64
	totalSize      uint32
	fragmentCount  uint16
	flags          uint8
	sampleRate     uint32
	channels       uint8
	received       []bool
	data           []byte
	receivedCount  uint16
}

// Reassembler reassembles fragments of one media type's frames. It is not
// safe for concurrent use; the receiver's UDP-receive loop is its sole
// owner (spec §5, "Reassembler state is single-threaded").
type Reassembler struct {
	mtu     int
	pending *pendingFrame
	Stats   Stats
}

// New creates a Reassembler that expects fragments built for the given
// MTU (used only to size the per-fragment payload window consistently
// with the sender; the reassembler otherwise trusts header.PayloadSize).
func New(mtu int) *Reassembler {
	return &Reassembler{mtu: mtu}
}

// AddPacket feeds one fragment into the reassembler. It returns a
// CompletedFrame when this fragment completes the in-flight frame, or nil
// otherwise. payload must be exactly header.PayloadSize bytes.
func (r *Reassembler) AddPacket(header protocol.Header, payload []byte) *CompletedFrame {
	r.Stats.PacketsReceived.Add(1)

	if r.pending == nil || r.pending.sequenceNumber != header.SequenceNumber {
		r.dropPending()
		r.pending = newPendingFrame(header)
	}

	p := r.pending

	if header.FragmentIndex >= p.fragmentCount {
		r.Stats.InvalidPackets.Add(1)
		return nil
	}

	if p.received[header.FragmentIndex] {
		r.Stats.PacketsDuplicate.Add(1)
		return nil
	}

	maxPayload := protocol.MaxPayload(r.mtu)
	offset := int(header.FragmentIndex) * maxPayload
	n := int(header.PayloadSize)
	if n > len(payload) {
		n = len(payload)
	}
	if offset+n > len(p.data) {
		n = len(p.data) - offset
	}
	if n > 0 {
		copy(p.data[offset:offset+n], payload[:n])
	}

	p.received[header.FragmentIndex] = true
	p.receivedCount++

	if p.receivedCount != p.fragmentCount {
		return nil
	}

	frame := &CompletedFrame{
		MediaType:      p.mediaType,
		SequenceNumber: p.sequenceNumber,
		Timestamp:      p.timestamp,
		Data:           p.data,
		IsKeyframe:     p.flags&protocol.FlagKeyframe != 0,
		SampleRate:     p.sampleRate,
		Channels:       p.channels,
	}
	r.Stats.FramesCompleted.Add(1)
	r.pending = nil
	return frame
}

// Reset discards any in-flight frame without counting it as a drop. Used
// when the caller already knows the stream has ended or restarted.
func (r *Reassembler) Reset() {
	r.pending = nil
}

func (r *Reassembler) dropPending() {
	p := r.pending
	if p == nil {
		return
	}
	if p.receivedCount < p.fragmentCount {
		r.Stats.FramesDropped.Add(1)
		r.Stats.TotalFragmentsReceivedBeforeDrop.Add(int64(p.receivedCount))
		r.Stats.TotalFragmentsExpectedBeforeDrop.Add(int64(p.fragmentCount))
	}
	r.pending = nil
}

func newPendingFrame(header protocol.Header) *pendingFrame {
	return &pendingFrame{
		mediaType:      header.MediaType,
		sequenceNumber: header.SequenceNumber,
		timestamp:      header.Timestamp,
		totalSize:      header.TotalSize,
		fragmentCount:  header.FragmentCount,
		flags:          header.Flags,
		sampleRate:     header.SampleRate,
		channels:       header.Channels,
		received:       make([]bool, header.FragmentCount),
		data:           make([]byte, header.TotalSize),
	}
}
