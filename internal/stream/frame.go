package stream

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/pkg/errors"
)

// HeaderSize is the length of the multiplexed frame header.
const HeaderSize = 8

// ErrShortFrame is returned when a buffer cannot hold a frame header or the
// payload it announces.
var ErrShortFrame = errors.New("stream: short frame")

// DeviceHash identifies a device inside multiplexed frames (FNV-1a, 32 bit).
func DeviceHash(address string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return h.Sum32()
}

// EncodeFrame prefixes payload with [deviceHash:4][payloadLength:4], both
// little-endian.
func EncodeFrame(hash uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], hash)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeFrame splits a multiplexed frame. The returned payload aliases buf.
func DecodeFrame(buf []byte) (uint32, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, errors.Wrapf(ErrShortFrame, "header needs %d bytes, have %d", HeaderSize, len(buf))
	}
	hash := binary.LittleEndian.Uint32(buf[0:4])
	n := binary.LittleEndian.Uint32(buf[4:8])
	if uint64(len(buf)-HeaderSize) < uint64(n) {
		return 0, nil, errors.Wrapf(ErrShortFrame, "payload needs %d bytes, have %d", n, len(buf)-HeaderSize)
	}
	return hash, buf[HeaderSize : HeaderSize+int(n)], nil
}
