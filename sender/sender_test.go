package sender

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndibridge/bridge/capture"
	"github.com/ndibridge/bridge/encoder"
	"github.com/ndibridge/bridge/reassembly"
	"github.com/ndibridge/bridge/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestSourceFormatFromFourCCRecognizesNDILayouts(t *testing.T) {
	cases := []struct {
		name   string
		fourCC uint32
		want   encoder.SourceFormat
	}{
		{"NV12", fourCCNV12, encoder.SourceFormatNV12},
		{"BGRA", fourCCBGRA, encoder.SourceFormatBGRA},
		{"BGRX", fourCCBGRX, encoder.SourceFormatBGRA},
		{"UYVY", fourCCUYVY, encoder.SourceFormatUYVY},
		{"unset falls back to I420", 0, encoder.SourceFormatI420},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sourceFormatFromFourCC(tc.fourCC))
		})
	}
}

func TestOnVideoFrameCopiesData(t *testing.T) {
	port := freePort(t)
	tx, err := transport.NewSender("127.0.0.1:"+strconv.Itoa(port), 1400, 0, nil)
	require.NoError(t, err)
	defer tx.Close()

	s := New(Config{}, tx, nil)

	original := []byte{1, 2, 3, 4}
	s.OnVideoFrame(capture.VideoFrame{Data: original, Width: 2, Height: 1, Stride: 2, Timestamp: 100})

	original[0] = 0xFF

	frame, ok := s.frames.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(1), frame.Data[0], "queued frame must not alias the callback's buffer")
}

func TestRunningReflectsStartStop(t *testing.T) {
	port := freePort(t)
	tx, err := transport.NewSender("127.0.0.1:"+strconv.Itoa(port), 1400, 0, nil)
	require.NoError(t, err)

	s := New(Config{}, tx, nil)
	assert.False(t, s.Running())
	assert.Equal(t, StateIdle, s.State())

	s.Start()
	assert.True(t, s.Running())

	s.Stop()
	assert.False(t, s.Running())
}

func TestOnAudioFrameForwardsDirectly(t *testing.T) {
	port := freePort(t)
	rx, err := transport.NewReceiver(port, 1400, nil)
	require.NoError(t, err)
	defer rx.Close()

	received := make(chan *reassembly.CompletedFrame, 1)
	rx.OnAudioFrame = func(f *reassembly.CompletedFrame) { received <- f }

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- rx.Run(stop) }()

	tx, err := transport.NewSender("127.0.0.1:"+strconv.Itoa(port), 1400, 0, nil)
	require.NoError(t, err)
	defer tx.Close()

	s := New(Config{}, tx, nil)
	s.OnAudioFrame(capture.AudioFrame{
		Samples:           []float32{0.5, -0.5},
		SampleRate:        48000,
		Channels:          2,
		SamplesPerChannel: 1,
		Timestamp:         200,
	})

	select {
	case frame := <-received:
		assert.Equal(t, uint32(48000), frame.SampleRate)
		assert.Equal(t, uint8(2), frame.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never received")
	}

	close(stop)
	<-done

	assert.EqualValues(t, 1, tx.Stats.PacketsSent.Load())
}
