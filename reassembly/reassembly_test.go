package reassembly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndibridge/bridge/protocol"
)

const mtu = 1400

func fragment(seq uint32, ts uint64, data []byte, keyframe bool) ([]protocol.Header, [][]byte) {
	maxPayload := protocol.MaxPayload(mtu)
	count := protocol.FragmentCount(len(data), mtu)

	var headers []protocol.Header
	var payloads [][]byte
	for i := uint16(0); i < count; i++ {
		start := int(i) * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		h := protocol.VideoHeader(seq, ts, uint32(len(data)), i, count, uint16(len(payload)), keyframe)
		headers = append(headers, h)
		payloads = append(payloads, payload)
	}
	return headers, payloads
}

func TestSingleSmallFrame(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	headers, payloads := fragment(1, 10_000_000, data, true)
	require.Len(t, headers, 1)

	frame := r.AddPacket(headers[0], payloads[0])
	require.NotNil(t, frame)
	assert.True(t, frame.IsKeyframe)
	assert.Equal(t, uint64(10_000_000), frame.Timestamp)
	assert.Equal(t, data, frame.Data)

	snap := r.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.PacketsReceived)
	assert.EqualValues(t, 1, snap.FramesCompleted)
	assert.EqualValues(t, 0, snap.FramesDropped)
}

func TestExactFitFragmentationOutOfOrder(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	data := make([]byte, 2724)
	for i := range data {
		data[i] = byte(i % 256)
	}
	headers, payloads := fragment(1, 1, data, false)
	require.Len(t, headers, 2)

	// deliver fragment 1 then fragment 0
	assert.Nil(t, r.AddPacket(headers[1], payloads[1]))
	frame := r.AddPacket(headers[0], payloads[0])
	require.NotNil(t, frame)
	assert.Equal(t, data, frame.Data)
}

func TestLostFragmentDropsOldFrame(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	dataA := make([]byte, protocol.MaxPayload(mtu)*3-10)
	headersA, payloadsA := fragment(100, 1, dataA, false)
	require.Len(t, headersA, 3)

	dataB := make([]byte, protocol.MaxPayload(mtu)+10)
	headersB, payloadsB := fragment(101, 2, dataB, false)
	require.Len(t, headersB, 2)

	// fragment 1 of A is "lost": deliver 0 and 2 only
	assert.Nil(t, r.AddPacket(headersA[0], payloadsA[0]))
	assert.Nil(t, r.AddPacket(headersA[2], payloadsA[2]))

	// B begins: A is flushed as a drop
	frameB1 := r.AddPacket(headersB[0], payloadsB[0])
	assert.Nil(t, frameB1)
	frameB2 := r.AddPacket(headersB[1], payloadsB[1])
	require.NotNil(t, frameB2)
	assert.Equal(t, dataB, frameB2.Data)

	snap := r.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.FramesDropped)
	assert.EqualValues(t, 1, snap.FramesCompleted)
}

func TestDuplicateFragment(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	data := make([]byte, protocol.MaxPayload(mtu)+10)
	headers, payloads := fragment(5, 1, data, false)
	require.Len(t, headers, 2)

	assert.Nil(t, r.AddPacket(headers[0], payloads[0]))
	assert.Nil(t, r.AddPacket(headers[0], payloads[0])) // duplicate
	frame := r.AddPacket(headers[1], payloads[1])
	require.NotNil(t, frame)
	assert.Equal(t, data, frame.Data)

	snap := r.Stats.Snapshot()
	assert.EqualValues(t, 3, snap.PacketsReceived)
	assert.EqualValues(t, 1, snap.PacketsDuplicate)
	assert.EqualValues(t, 1, snap.FramesCompleted)
}

func TestInvalidFragmentIndexCounted(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	h := protocol.VideoHeader(1, 1, 10, 0, 1, 10, false)
	h.FragmentIndex = 5 // out of range for a 1-count header, bypassing Decode's own check
	frame := r.AddPacket(h, make([]byte, 10))
	assert.Nil(t, frame)
	assert.EqualValues(t, 1, r.Stats.InvalidPackets.Load())
}

func TestAudioFragmentationRoundTrip(t *testing.T) {
	t.Parallel()
	r := New(mtu)

	samples := 48_000 / 10 // 100ms of 48kHz stereo float32, larger than one MTU
	data := make([]byte, samples*2*4)
	for i := range data {
		data[i] = byte(i * 7)
	}

	headers, payloads := fragment(9, 1, data, false)
	for i := range headers {
		headers[i].MediaType = protocol.MediaAudio
		headers[i].SampleRate = 48000
		headers[i].Channels = 2
	}
	require.Greater(t, len(headers), 1, "audio buffer should need fragmentation for this test to be meaningful")

	var frame *CompletedFrame
	for i := range headers {
		frame = r.AddPacket(headers[i], payloads[i])
	}
	require.NotNil(t, frame)
	assert.Equal(t, data, frame.Data)
	assert.Equal(t, uint32(48000), frame.SampleRate)
	assert.Equal(t, uint8(2), frame.Channels)
}
