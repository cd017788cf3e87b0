package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodecCountersSnapshot(t *testing.T) {
	t.Parallel()

	var c CodecCounters
	c.FramesProcessed.Add(1)
	c.RecordLatency(10 * time.Millisecond)
	c.FramesProcessed.Add(1)
	c.RecordLatency(30 * time.Millisecond)

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.FramesProcessed)
	assert.InDelta(t, 20.0, snap.AvgLatencyMs, 0.01)
	assert.InDelta(t, 30.0, snap.MaxLatencyMs, 0.01)
}

func TestCodecCountersSnapshotEmpty(t *testing.T) {
	t.Parallel()

	var c CodecCounters
	snap := c.Snapshot()
	assert.Zero(t, snap.FramesProcessed)
	assert.Zero(t, snap.AvgLatencyMs)
}

func TestRecordLatencyTracksMaxUnderConcurrency(t *testing.T) {
	t.Parallel()

	var c CodecCounters
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			c.RecordLatency(time.Duration(n+1) * time.Millisecond)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.InDelta(t, 8.0, c.Snapshot().MaxLatencyMs, 0.01)
}
