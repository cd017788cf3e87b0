// Package stats aggregates the atomic counters scattered across the
// bridge's pipeline stages into a single JSON-serializable snapshot,
// in the teacher's atomic-counter-plus-snapshot-struct idiom.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/ndibridge/bridge/transport"
)

// Role distinguishes which half of the bridge a process is running.
type Role string

// Supported roles.
const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// CodecStats holds point-in-time encoder or decoder metrics.
type CodecStats struct {
	FramesProcessed  int64   `json:"framesProcessed"`
	KeyframesEmitted int64   `json:"keyframesEmitted,omitempty"`
	AvgLatencyMs     float64 `json:"avgLatencyMs,omitempty"`
	MaxLatencyMs     float64 `json:"maxLatencyMs,omitempty"`
}

// QueueStats holds a bounded queue's current depth and drop count.
type QueueStats struct {
	Depth   int   `json:"depth"`
	Dropped int64 `json:"dropped"`
}

// Snapshot is the top-level stats payload exposed by httpapi.
type Snapshot struct {
	Role      Role      `json:"role"`
	UptimeMs  int64     `json:"uptimeMs"`
	Timestamp int64     `json:"ts"`
	Sender    *Sender   `json:"sender,omitempty"`
	Receiver  *Receiver `json:"receiver,omitempty"`
}

// Sender aggregates sender-side pipeline statistics.
type Sender struct {
	FrameQueue QueueStats               `json:"frameQueue"`
	Encoder    CodecStats               `json:"encoder"`
	Transport  transport.SenderSnapshot `json:"transport"`
}

// Receiver aggregates receiver-side pipeline statistics.
type Receiver struct {
	Reassembly  transport.ReceiverSnapshot `json:"reassembly"`
	DecodeQueue QueueStats                 `json:"decodeQueue"`
	Decoder     CodecStats                 `json:"decoder"`
}

// CodecCounters holds the atomic counters a codec stage updates; it is
// embedded by sender/receiver orchestrators and snapshotted into
// CodecStats.
type CodecCounters struct {
	FramesProcessed  atomic.Int64
	KeyframesEmitted atomic.Int64
	totalLatencyNs   atomic.Int64
	maxLatencyNs     atomic.Int64
}

// RecordLatency records one codec call's latency for averaging.
func (c *CodecCounters) RecordLatency(d time.Duration) {
	c.totalLatencyNs.Add(d.Nanoseconds())
	for {
		cur := c.maxLatencyNs.Load()
		if d.Nanoseconds() <= cur || c.maxLatencyNs.CompareAndSwap(cur, d.Nanoseconds()) {
			break
		}
	}
}

// Snapshot returns a JSON-ready copy of the codec counters.
func (c *CodecCounters) Snapshot() CodecStats {
	n := c.FramesProcessed.Load()
	var avgMs float64
	if n > 0 {
		avgMs = float64(c.totalLatencyNs.Load()) / float64(n) / 1e6
	}
	return CodecStats{
		FramesProcessed:  n,
		KeyframesEmitted: c.KeyframesEmitted.Load(),
		AvgLatencyMs:     avgMs,
		MaxLatencyMs:     float64(c.maxLatencyNs.Load()) / 1e6,
	}
}
