package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ndibridge/bridge/protocol"
	"github.com/ndibridge/bridge/reassembly"
)

// pollTimeout bounds how long the receive loop blocks waiting for a
// datagram before re-checking for shutdown (spec §5, "UDP-receive
// thread blocks in the readability wait up to 10 ms").
const pollTimeout = 10 * time.Millisecond

// ReceiverSnapshot combines the receiver's own counters with both of its
// reassemblers' stats for JSON encoding.
type ReceiverSnapshot struct {
	GrantedRecvBuffer int                 `json:"grantedRecvBuffer"`
	Video             reassembly.Snapshot `json:"video"`
	Audio             reassembly.Snapshot `json:"audio"`
}

// Receiver owns a UDP socket bound to :port and dispatches reassembled
// frames to caller-supplied callbacks. One Receiver owns its socket and
// its two reassemblers for its entire lifetime (spec §5).
type Receiver struct {
	log  *slog.Logger
	mtu  int
	conn *net.UDPConn

	grantedBuf int

	video *reassembly.Reassembler
	audio *reassembly.Reassembler

	OnVideoFrame func(*reassembly.CompletedFrame)
	OnAudioFrame func(*reassembly.CompletedFrame)
	OnError      func(error)
}

// NewReceiver binds INADDR_ANY:port with SO_REUSEADDR and raises
// SO_RCVBUF.
func NewReceiver(port int, mtu int, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transport.receiver")

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen on port %d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)

	r := &Receiver{
		log:   log,
		mtu:   mtu,
		conn:  conn,
		video: reassembly.New(mtu),
		audio: reassembly.New(mtu),
	}

	if err := r.raiseRecvBuffer(); err != nil {
		log.Warn("could not raise SO_RCVBUF", "error", err)
	}

	log.Info("receiver bound", "port", port, "mtu", mtu, "rcvbuf", r.grantedBuf)
	return r, nil
}

func (r *Receiver) raiseRecvBuffer() error {
	rawConn, err := r.conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, minRecvBuffer)
		if ctrlErr == nil {
			r.grantedBuf, ctrlErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Run drives the receive loop until stop is closed. It blocks the
// calling goroutine; callers run it in its own goroutine (spec §5,
// "UDP-receive thread").
func (r *Receiver) Run(stop <-chan struct{}) error {
	buf := make([]byte, r.mtu)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
			return fmt.Errorf("transport: set read deadline: %w", err)
		}

		n, err := r.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if r.OnError != nil {
				r.OnError(err)
			}
			continue
		}

		r.processPacket(buf[:n])
	}
}

func (r *Receiver) processPacket(data []byte) {
	header, err := protocol.Decode(data)
	if err != nil {
		// Media type is unknown for an undecodable header; count it
		// against video, which carries the bulk of traffic.
		r.video.Stats.InvalidPackets.Add(1)
		return
	}

	payload := data[protocol.HeaderSize:]

	switch header.MediaType {
	case protocol.MediaAudio:
		if frame := r.audio.AddPacket(header, payload); frame != nil && r.OnAudioFrame != nil {
			r.OnAudioFrame(frame)
		}
	default:
		if frame := r.video.AddPacket(header, payload); frame != nil && r.OnVideoFrame != nil {
			r.OnVideoFrame(frame)
		}
	}
}

// VideoStats returns a snapshot of the video reassembler's counters.
func (r *Receiver) VideoStats() reassembly.Snapshot { return r.video.Stats.Snapshot() }

// AudioStats returns a snapshot of the audio reassembler's counters.
func (r *Receiver) AudioStats() reassembly.Snapshot { return r.audio.Stats.Snapshot() }

// Snapshot returns a combined, JSON-ready view of the receiver's state.
func (r *Receiver) Snapshot() ReceiverSnapshot {
	return ReceiverSnapshot{
		GrantedRecvBuffer: r.grantedBuf,
		Video:             r.VideoStats(),
		Audio:             r.AudioStats(),
	}
}

// Close closes the underlying socket, unblocking any in-flight Read.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
