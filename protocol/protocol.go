// Package protocol implements the on-wire UDP packet header for the NDI
// bridge: a fixed 38-byte, big-endian header that precedes every UDP
// fragment, plus the fragmentation math and timestamp-tick conversions
// both endpoints must agree on byte-for-byte.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the constant that opens every packet header ("NDIB").
const Magic uint32 = 0x4E444942

// Version is the protocol version this package implements.
const Version uint8 = 2

// HeaderSize is the fixed, padding-free size of a serialized header.
const HeaderSize = 38

// DefaultMTU is the default total UDP datagram size (header + payload).
// 1200 is recommended for WireGuard/Tailscale tunnels; 1400 is a
// reasonable LAN/low-overhead-VPN default.
const DefaultMTU = 1400

// TickRate is the number of protocol timestamp ticks per second (10 MHz,
// matching NDI's own timestamp resolution).
const TickRate = 10_000_000

// MediaType identifies whether a frame carries video or audio.
type MediaType uint8

// Supported media types.
const (
	MediaVideo MediaType = 0
	MediaAudio MediaType = 1
)

func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return fmt.Sprintf("mediaType(%d)", uint8(m))
	}
}

// Flag bits within Header.Flags.
const (
	FlagKeyframe uint8 = 1 << 0
)

// Header is the 38-byte fixed packet header preceding every UDP fragment.
// Field order and widths match the wire layout exactly; see Encode/Decode.
type Header struct {
	MediaType      MediaType
	SourceID       uint8
	Flags          uint8
	SequenceNumber uint32
	Timestamp      uint64 // presentation time, in 10MHz ticks
	TotalSize      uint32 // bytes of the full reassembled frame
	FragmentIndex  uint16 // 0-based
	FragmentCount  uint16
	PayloadSize    uint16 // bytes of payload in this packet
	SampleRate     uint32 // audio only
	Channels       uint8  // audio only
}

// IsKeyframe reports whether the keyframe flag bit is set.
func (h Header) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }

// String renders a one-line diagnostic description of the header, for
// debug logging of dropped or invalid packets.
func (h Header) String() string {
	return fmt.Sprintf(
		"%s seq=%d ts=%d frag=%d/%d payload=%d total=%d key=%v",
		h.MediaType, h.SequenceNumber, h.Timestamp,
		h.FragmentIndex, h.FragmentCount, h.PayloadSize, h.TotalSize,
		h.IsKeyframe(),
	)
}

// Decode errors. Callers treat all of these as "drop the packet" per the
// bridge's error-handling policy (§7): none of them are propagated.
var (
	ErrTruncated          = errors.New("protocol: packet shorter than header")
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidFragment    = errors.New("protocol: fragment index out of range")
)

// VideoHeader builds a header for one fragment of a video access unit.
func VideoHeader(seq uint32, timestamp uint64, totalSize uint32, fragIndex, fragCount, payloadSize uint16, keyframe bool) Header {
	var flags uint8
	if keyframe {
		flags = FlagKeyframe
	}
	return Header{
		MediaType:      MediaVideo,
		Flags:          flags,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		TotalSize:      totalSize,
		FragmentIndex:  fragIndex,
		FragmentCount:  fragCount,
		PayloadSize:    payloadSize,
	}
}

// AudioHeader builds a header for one fragment of an audio buffer.
func AudioHeader(seq uint32, timestamp uint64, totalSize uint32, fragIndex, fragCount, payloadSize uint16, sampleRate uint32, channels uint8) Header {
	return Header{
		MediaType:      MediaAudio,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		TotalSize:      totalSize,
		FragmentIndex:  fragIndex,
		FragmentCount:  fragCount,
		PayloadSize:    payloadSize,
		SampleRate:     sampleRate,
		Channels:       channels,
	}
}

// Encode serializes h into a fresh HeaderSize-byte buffer, big-endian.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	EncodeInto(h, buf)
	return buf
}

// EncodeInto serializes h into buf, which must be at least HeaderSize
// bytes. Field layout: see the offsets below and spec §3.
func EncodeInto(h Header, buf []byte) {
	_ = buf[:HeaderSize] // bounds check hint
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = uint8(h.MediaType)
	buf[6] = h.SourceID
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.SequenceNumber)
	binary.BigEndian.PutUint64(buf[12:20], h.Timestamp)
	binary.BigEndian.PutUint32(buf[20:24], h.TotalSize)
	binary.BigEndian.PutUint16(buf[24:26], h.FragmentIndex)
	binary.BigEndian.PutUint16(buf[26:28], h.FragmentCount)
	binary.BigEndian.PutUint16(buf[28:30], h.PayloadSize)
	binary.BigEndian.PutUint32(buf[30:34], h.SampleRate)
	buf[34] = h.Channels
	buf[35], buf[36], buf[37] = 0, 0, 0
}

// Decode parses a header from the front of data. It validates magic,
// version, and the fragment-index invariant before returning; any
// violation returns a sentinel error and the caller drops the packet.
func Decode(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncated
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != Magic {
		return Header{}, ErrInvalidMagic
	}

	version := data[4]
	if version != Version {
		return Header{}, ErrUnsupportedVersion
	}

	h := Header{
		MediaType:      MediaType(data[5]),
		SourceID:       data[6],
		Flags:          data[7],
		SequenceNumber: binary.BigEndian.Uint32(data[8:12]),
		Timestamp:      binary.BigEndian.Uint64(data[12:20]),
		TotalSize:      binary.BigEndian.Uint32(data[20:24]),
		FragmentIndex:  binary.BigEndian.Uint16(data[24:26]),
		FragmentCount:  binary.BigEndian.Uint16(data[26:28]),
		PayloadSize:    binary.BigEndian.Uint16(data[28:30]),
		SampleRate:     binary.BigEndian.Uint32(data[30:34]),
		Channels:       data[34],
	}

	if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
		return Header{}, ErrInvalidFragment
	}

	return h, nil
}

// MaxPayload returns the maximum payload bytes carried by a single
// fragment for the given MTU (total datagram size including header).
func MaxPayload(mtu int) int {
	p := mtu - HeaderSize
	if p < 1 {
		return 0
	}
	return p
}

// FragmentCount returns the number of fragments of at most MaxPayload(mtu)
// bytes needed to carry totalSize bytes of payload.
func FragmentCount(totalSize, mtu int) uint16 {
	if totalSize <= 0 {
		return 1
	}
	p := MaxPayload(mtu)
	if p <= 0 {
		return 0
	}
	count := (totalSize + p - 1) / p
	return uint16(count)
}

// TicksFromNs converts a nanosecond duration/timestamp to protocol ticks
// (10MHz resolution).
func TicksFromNs(ns int64) uint64 {
	return uint64(ns / 100)
}

// NsFromTicks converts protocol ticks (10MHz resolution) to nanoseconds.
func NsFromTicks(ticks uint64) int64 {
	return int64(ticks) * 100
}
