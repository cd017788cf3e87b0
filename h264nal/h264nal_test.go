package h264nal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	units := ParseAnnexB(data)
	require.Len(t, units, 3)

	assert.Equal(t, byte(TypeSPS), units[0].Type)
	assert.True(t, IsSPS(units[0].Type))

	assert.Equal(t, byte(TypePPS), units[1].Type)
	assert.True(t, IsPPS(units[1].Type))

	assert.Equal(t, byte(TypeIDR), units[2].Type)
	assert.True(t, IsKeyframe(units[2].Type))
}

func TestParseAnnexB3ByteStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}

	units := ParseAnnexB(data)
	require.Len(t, units, 2)
	assert.Equal(t, byte(TypeSPS), units[0].Type)
	assert.Equal(t, byte(TypeIDR), units[1].Type)
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ParseAnnexB(nil))
	assert.Nil(t, ParseAnnexB([]byte{0x00, 0x01}))
}

func TestParseAnnexBMixed3And4ByteStartCodes(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}

	units := ParseAnnexB(data)
	require.Len(t, units, 4)
	wantTypes := []byte{TypeSPS, TypePPS, TypeSEI, TypeIDR}
	for i, want := range wantTypes {
		assert.Equal(t, want, units[i].Type, "unit %d", i)
	}
	assert.Len(t, units[2].Data, 3)
}

func TestParseAnnexBSlice(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x00, 0x01, 0x02}

	units := ParseAnnexB(data)
	require.Len(t, units, 1)
	assert.Equal(t, byte(TypeSlice), units[0].Type)
	assert.False(t, IsKeyframe(units[0].Type))
}

func TestParseSPS720p(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}

	info, err := ParseSPS(sps)
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
}

func TestParseSPS256x192(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}

	info, err := ParseSPS(sps)
	require.NoError(t, err)
	assert.Equal(t, 256, info.Width)
	assert.Equal(t, 192, info.Height)
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	_, err := ParseSPS([]byte{0x67, 0x64, 0x00})
	assert.Error(t, err)
}

func TestParseSPSEmptyInput(t *testing.T) {
	t.Parallel()
	_, err := ParseSPS(nil)
	assert.Error(t, err)
	_, err = ParseSPS([]byte{})
	assert.Error(t, err)
}

func TestPrependParameterSets(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00}

	out := PrependParameterSets(sps, pps, append(append([]byte{}, StartCode4...), idr...))

	units := ParseAnnexB(out)
	require.Len(t, units, 3)
	assert.Equal(t, byte(TypeSPS), units[0].Type)
	assert.Equal(t, byte(TypePPS), units[1].Type)
	assert.Equal(t, byte(TypeIDR), units[2].Type)
}

func TestCodecString(t *testing.T) {
	t.Parallel()
	info := SPSInfo{ProfileIDC: 0x42, ConstraintFlags: 0xE0, LevelIDC: 0x1E}
	assert.Equal(t, "avc1.42E01E", info.CodecString())
}
