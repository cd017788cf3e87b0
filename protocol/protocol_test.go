package protocol

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	f := func(seq uint32, ts uint64, total uint32, fragCount uint16, payload uint16, sampleRate uint32, channels uint8, keyframe bool) bool {
		if fragCount == 0 {
			fragCount = 1
		}
		fragIndex := fragCount - 1 // always in range

		h := VideoHeader(seq, ts, total, fragIndex, fragCount, payload, keyframe)
		h.SampleRate = sampleRate
		h.Channels = channels

		decoded, err := Decode(Encode(h))
		if err != nil {
			return false
		}
		return decoded == h
	}

	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 2000}))
}

func TestHeaderByteLayout(t *testing.T) {
	t.Parallel()

	h := Header{
		MediaType:      MediaAudio,
		SourceID:       0,
		Flags:          FlagKeyframe,
		SequenceNumber: 0x01020304,
		Timestamp:      0x0102030405060708,
		TotalSize:      0x11121314,
		FragmentIndex:  0x2122,
		FragmentCount:  0x2223,
		PayloadSize:    0x3132,
		SampleRate:     0x41424344,
		Channels:       2,
	}

	buf := Encode(h)
	require.Len(t, buf, HeaderSize)

	assert.Equal(t, []byte{0x4E, 0x44, 0x49, 0x42}, buf[0:4], "magic")
	assert.Equal(t, byte(Version), buf[4])
	assert.Equal(t, byte(MediaAudio), buf[5])
	assert.Equal(t, byte(0), buf[6])
	assert.Equal(t, byte(FlagKeyframe), buf[7])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[8:12], "sequenceNumber")
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, buf[12:20], "timestamp")
	assert.Equal(t, []byte{0x11, 0x12, 0x13, 0x14}, buf[20:24], "totalSize")
	assert.Equal(t, []byte{0x21, 0x22}, buf[24:26], "fragmentIndex")
	assert.Equal(t, []byte{0x22, 0x23}, buf[26:28], "fragmentCount")
	assert.Equal(t, []byte{0x31, 0x32}, buf[28:30], "payloadSize")
	assert.Equal(t, []byte{0x41, 0x42, 0x43, 0x44}, buf[30:34], "sampleRate")
	assert.Equal(t, byte(2), buf[34], "channels")
	assert.Equal(t, []byte{0, 0, 0}, buf[35:38], "reserved")
}

func TestDecodeInvalidMagic(t *testing.T) {
	t.Parallel()
	buf := Encode(VideoHeader(1, 1, 1, 0, 1, 1, false))
	buf[0] ^= 0xFF
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	t.Parallel()
	buf := Encode(VideoHeader(1, 1, 1, 0, 1, 1, false))
	buf[4] = 99
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()
	buf := Encode(VideoHeader(1, 1, 1, 0, 1, 1, false))
	_, err := Decode(buf[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeInvalidFragmentIndex(t *testing.T) {
	t.Parallel()
	buf := Encode(VideoHeader(1, 1, 100, 2, 2, 1, false))
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidFragment)
}

func TestFragmentCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(1), FragmentCount(100, 1400))
	assert.Equal(t, uint16(2), FragmentCount(2724, 1400))
	assert.Equal(t, uint16(1), FragmentCount(1362, 1400))
	assert.Equal(t, uint16(3), FragmentCount(1363*2+1, 1400))
}

func TestFragmentCountCoverage(t *testing.T) {
	t.Parallel()

	f := func(totalSize uint16, mtuExtra uint8) bool {
		total := int(totalSize)
		if total == 0 {
			total = 1
		}
		mtu := HeaderSize + 1 + int(mtuExtra)

		count := FragmentCount(total, mtu)
		maxPayload := MaxPayload(mtu)

		reconstructed := make([]byte, 0, total)
		for i := uint16(0); i < count; i++ {
			start := int(i) * maxPayload
			end := start + maxPayload
			if end > total {
				end = total
			}
			reconstructed = append(reconstructed, make([]byte, end-start)...)
		}
		return len(reconstructed) == total
	}

	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 1000}))
}

func TestTicksNsRoundTrip(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint64(10_000_000), TicksFromNs(1_000_000_000))
	assert.Equal(t, int64(1_000_000_000), NsFromTicks(10_000_000))

	f := func(ticks uint32) bool {
		return TicksFromNs(NsFromTicks(uint64(ticks))) == uint64(ticks)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestHeaderString(t *testing.T) {
	t.Parallel()
	h := VideoHeader(7, 10_000_000, 100, 0, 1, 100, true)
	s := h.String()
	assert.Contains(t, s, "video")
	assert.Contains(t, s, "seq=7")
	assert.Contains(t, s, "key=true")
}
