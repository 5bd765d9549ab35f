// Package codec implements the wire format spoken by the serial GATT bridge:
// checksummed frames carrying bridge messages.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameMagic starts every bridge frame.
	FrameMagic uint16 = 0xC03E
	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = 256
	// FrameHeaderSize is magic (2) plus payload length (2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the size of the trailing Fletcher-16 checksum.
	FrameChecksumSize = 2
	// MinFrameSize is the size of a frame with an empty payload.
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame extracts the first frame payload from data and returns it
// together with the bytes that follow the frame.
//
// Frame format: [magic u16 BE][length u16 BE][payload][fletcher16 u16 BE]
func DecodeFrame(data []byte) (payload, rest []byte, err error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxPayload {
		return nil, data, ErrPayloadTooLarge
	}
	total := FrameHeaderSize + n + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	body := data[FrameHeaderSize : FrameHeaderSize+n]
	sum := binary.BigEndian.Uint16(data[FrameHeaderSize+n:])
	if !ValidateChecksum(body, sum) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, Fletcher16(body), sum)
	}

	return append([]byte(nil), body...), data[total:], nil
}

// EncodeFrame wraps payload in a bridge frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload)+FrameChecksumSize)
	frame = binary.BigEndian.AppendUint16(frame, FrameMagic)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint16(frame, Fletcher16(payload)), nil
}

// FindMagic returns the index of the first frame magic in data, or -1.
func FindMagic(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}
