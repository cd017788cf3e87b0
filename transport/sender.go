// Package transport implements the UDP wire endpoints of the bridge: a
// fragmenting, non-blocking sender and a receive loop that validates
// headers and routes completed frames to per-media-type reassemblers
// (spec §4.3, §4.4).
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ndibridge/bridge/protocol"
)

// minSendBuffer and minRecvBuffer are the floors this package asks the
// kernel for; actual granted size is often capped and always reported
// back via Snapshot.
const (
	minSendBuffer = 4 * 1024 * 1024
	minRecvBuffer = 8 * 1024 * 1024
)

// SenderStats holds atomic counters describing a Sender's health.
type SenderStats struct {
	BytesSent            atomic.Int64
	PacketsSent          atomic.Int64
	PacketsDroppedEagain atomic.Int64
	SendErrors           atomic.Int64
}

// SenderSnapshot is a point-in-time copy of SenderStats for JSON encoding.
type SenderSnapshot struct {
	BytesSent            int64 `json:"bytesSent"`
	PacketsSent          int64 `json:"packetsSent"`
	PacketsDroppedEagain int64 `json:"packetsDroppedEagain"`
	SendErrors           int64 `json:"sendErrors"`
	GrantedSendBuffer    int   `json:"grantedSendBuffer"`
}

func (s *SenderStats) snapshot(grantedBuf int) SenderSnapshot {
	return SenderSnapshot{
		BytesSent:            s.BytesSent.Load(),
		PacketsSent:          s.PacketsSent.Load(),
		PacketsDroppedEagain: s.PacketsDroppedEagain.Load(),
		SendErrors:           s.SendErrors.Load(),
		GrantedSendBuffer:    grantedBuf,
	}
}

// Sender is a connected, non-blocking UDP sender that fragments each
// video access unit or audio buffer into MTU-sized datagrams.
//
// The sender orchestrator calls SendVideo from its encode goroutine and
// SendAudio from the capture callback, so the two can run at once. No
// internal locking is needed for that: the sequence counter and Stats
// are atomic and each fragment goes out in a single send call.
type Sender struct {
	log  *slog.Logger
	mtu  int
	pace time.Duration

	conn       *net.UDPConn
	grantedBuf int
	seq        atomic.Uint32

	Stats SenderStats
}

// NewSender resolves target, creates a connected UDP socket, raises
// SO_SNDBUF, and returns a ready-to-use Sender. pacingDelay is the sleep
// inserted between successive fragments of the same frame (0 disables
// pacing).
func NewSender(target string, mtu int, pacingDelay time.Duration, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transport.sender")

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", target, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", target, err)
	}

	s := &Sender{log: log, mtu: mtu, pace: pacingDelay, conn: conn}

	if err := s.raiseSendBuffer(); err != nil {
		log.Warn("could not raise SO_SNDBUF", "error", err)
	}

	log.Info("sender connected", "target", target, "mtu", mtu, "sndbuf", s.grantedBuf)
	return s, nil
}

func (s *Sender) raiseSendBuffer() error {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, minSendBuffer)
		if ctrlErr == nil {
			s.grantedBuf, ctrlErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// nextSeq allocates the next per-endpoint sequence number, wrapping
// modulo 2^32.
func (s *Sender) nextSeq() uint32 {
	return s.seq.Add(1) - 1
}

// SendVideo fragments and sends one H.264 access unit.
func (s *Sender) SendVideo(data []byte, isKeyframe bool, timestamp uint64) {
	seq := s.nextSeq()
	maxPayload := protocol.MaxPayload(s.mtu)
	count := protocol.FragmentCount(len(data), s.mtu)

	for i := uint16(0); i < count; i++ {
		start := int(i) * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		h := protocol.VideoHeader(seq, timestamp, uint32(len(data)), i, count, uint16(len(payload)), isKeyframe)
		s.sendFragment(h, payload, i == count-1)
	}
}

// SendAudio fragments and sends one planar float32 audio buffer.
func (s *Sender) SendAudio(data []byte, timestamp uint64, sampleRate uint32, channels uint8) {
	seq := s.nextSeq()
	maxPayload := protocol.MaxPayload(s.mtu)
	count := protocol.FragmentCount(len(data), s.mtu)

	for i := uint16(0); i < count; i++ {
		start := int(i) * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		h := protocol.AudioHeader(seq, timestamp, uint32(len(data)), i, count, uint16(len(payload)), sampleRate, channels)
		s.sendFragment(h, payload, i == count-1)
	}
}

// sendFragment builds one wire packet and attempts a single non-blocking
// send. A would-block result is a counted, silent drop; pacing is
// applied after every fragment except the last.
func (s *Sender) sendFragment(h protocol.Header, payload []byte, last bool) {
	buf := make([]byte, protocol.HeaderSize+len(payload))
	protocol.EncodeInto(h, buf)
	copy(buf[protocol.HeaderSize:], payload)

	n, err := s.sendNonBlocking(buf)
	switch {
	case err == nil:
		s.Stats.PacketsSent.Add(1)
		s.Stats.BytesSent.Add(int64(n))
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
		s.Stats.PacketsDroppedEagain.Add(1)
	default:
		s.Stats.SendErrors.Add(1)
		s.log.Warn("send failed", "error", err, "header", h.String())
	}

	if !last && s.pace > 0 {
		time.Sleep(s.pace)
	}
}

// sendNonBlocking issues one raw, non-blocking send on the connected
// socket. It deliberately bypasses the Go runtime poller's automatic
// retry-on-writability so that a full kernel send buffer surfaces as
// EAGAIN instead of blocking the caller.
func (s *Sender) sendNonBlocking(buf []byte) (int, error) {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var sendErr error
	err = rawConn.Control(func(fd uintptr) {
		sendErr = unix.Send(int(fd), buf, unix.MSG_DONTWAIT)
	})
	if err != nil {
		return 0, err
	}
	if sendErr != nil {
		return 0, sendErr
	}
	return len(buf), nil
}

// Snapshot returns a JSON-ready copy of the sender's counters.
func (s *Sender) Snapshot() SenderSnapshot {
	return s.Stats.snapshot(s.grantedBuf)
}

// Close closes the underlying socket. Idempotent at the net.UDPConn level.
func (s *Sender) Close() error {
	return s.conn.Close()
}
