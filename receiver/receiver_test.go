package receiver

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndibridge/bridge/decoder"
	"github.com/ndibridge/bridge/publish"
)

func TestBytesToFloat32SliceRoundTrip(t *testing.T) {
	samples := []float32{1.5, -2.25, 0, 100.125}
	buf := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	got := bytesToFloat32Slice(buf)
	require.Len(t, got, len(samples))
	for i := range samples {
		assert.Equal(t, samples[i], got[i])
	}
}

func TestPublishFormatMapping(t *testing.T) {
	assert.Equal(t, publish.PixelFormatUYVY, publishFormat(decoder.PixelFormatUYVY))
	assert.Equal(t, publish.PixelFormatBGRA, publishFormat(decoder.PixelFormatBGRA))
}
