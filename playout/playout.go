// Package playout implements the receiver's real-time and buffered
// delivery scheduler (spec §4.7). In real-time mode frames are
// forwarded immediately; in buffered mode they are held in an ordered
// FIFO and released once their computed playTime arrives. Video and
// audio are independent end-to-end (spec §5, "no ordering guarantee
// between video and audio"): each stream gets its own queue, drained
// on its own schedule, so a late video frame can never hold up a due
// audio frame or vice versa.
package playout

import (
	"sync"
	"time"
)

// drainInterval is how often the buffered-mode playout thread wakes to
// check for due frames (spec §4.7, "500 us increments").
const drainInterval = 500 * time.Microsecond

// Frame is one item submitted to the scheduler: the opaque payload
// (decoded video or passthrough audio) plus its protocol timestamp.
type Frame struct {
	Payload   any
	Timestamp uint64 // protocol ticks, 10MHz
}

type bufferedFrame struct {
	frame    Frame
	playTime time.Time
}

// streamQueue holds one media type's pending buffered frames. Each
// stream's queue is drained independently of the other.
type streamQueue struct {
	mu      sync.Mutex
	pending []bufferedFrame
}

// Scheduler delivers frames either immediately (bufferMs == 0) or after
// a fixed additional delay computed from each frame's protocol
// timestamp relative to the first frame seen, across both streams
// (bufferMs > 0).
//
// Scheduler is safe for concurrent SubmitVideo/SubmitAudio calls; the
// deliver callback is invoked from the submitting goroutine in
// real-time mode, or from the scheduler's own drain goroutine in
// buffered mode.
type Scheduler struct {
	bufferMs int64
	deliver  func(Frame)

	anchorMu       sync.Mutex
	haveAnchor     bool
	firstTimestamp uint64
	bufferStart    time.Time

	video streamQueue
	audio streamQueue

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler. bufferMs == 0 selects real-time mode;
// bufferMs > 0 selects buffered mode and starts the drain goroutine.
func New(bufferMs int64, deliver func(Frame)) *Scheduler {
	s := &Scheduler{bufferMs: bufferMs, deliver: deliver}
	if bufferMs > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.run()
	}
	return s
}

// SubmitVideo accepts one decoded video frame for delivery.
func (s *Scheduler) SubmitVideo(f Frame) { s.submit(&s.video, f) }

// SubmitAudio accepts one passthrough audio frame for delivery.
func (s *Scheduler) SubmitAudio(f Frame) { s.submit(&s.audio, f) }

// submit delivers immediately in real-time mode, or computes playTime
// and enqueues onto q in buffered mode.
func (s *Scheduler) submit(q *streamQueue, f Frame) {
	if s.bufferMs == 0 {
		s.deliver(f)
		return
	}

	playTime := s.playTimeFor(f.Timestamp)

	q.mu.Lock()
	q.pending = append(q.pending, bufferedFrame{frame: f, playTime: playTime})
	q.mu.Unlock()
}

// playTimeFor computes when a frame at the given protocol timestamp
// should play out, anchoring the first frame seen on either stream to
// now (spec §4.7). The anchor is shared across both streams so they
// stay on the same wall-clock timeline even though they drain
// independently.
func (s *Scheduler) playTimeFor(timestamp uint64) time.Time {
	s.anchorMu.Lock()
	if !s.haveAnchor {
		s.haveAnchor = true
		s.firstTimestamp = timestamp
		s.bufferStart = time.Now()
	}
	first := s.firstTimestamp
	start := s.bufferStart
	s.anchorMu.Unlock()

	// (timestamp - firstTimestamp) is in 10MHz ticks; /10 converts to
	// microseconds, matching spec §4.7's playTime formula.
	deltaTicks := int64(timestamp) - int64(first)
	deltaUs := deltaTicks / 10
	return start.Add(time.Duration(deltaUs)*time.Microsecond + time.Duration(s.bufferMs)*time.Millisecond)
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.drain(&s.video)
			s.drain(&s.audio)
		}
	}
}

// drain delivers every frame in q whose playTime has arrived, in
// order. If wall-clock jumps backwards and frames accumulate, the next
// drain flushes them all in one pass (spec §4.7 failure semantics).
func (s *Scheduler) drain(q *streamQueue) {
	now := time.Now()

	q.mu.Lock()
	due := 0
	for due < len(q.pending) && !q.pending[due].playTime.After(now) {
		due++
	}
	toDeliver := q.pending[:due]
	q.pending = q.pending[due:]
	q.mu.Unlock()

	for _, bf := range toDeliver {
		s.deliver(bf.frame)
	}
}

// Close stops the drain goroutine (buffered mode only) and waits for it
// to exit. A no-op in real-time mode.
func (s *Scheduler) Close() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}
