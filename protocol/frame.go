// File: protocol/frame.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pure WebSocket frame encoding/decoding and masking. No I/O happens here;
// the client package feeds bytes in and writes the produced frames out.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is returned for lengths that do not fit the 63-bit
// length field of the wire format.
var ErrPayloadTooLarge = errors.New("protocol: payload length must be below 2^63")

// FrameHeader is the decoded fixed part of a frame.
type FrameHeader struct {
	Fin        bool
	Rsv        byte // RSV1-3 bits as they appear in the first byte
	Opcode     byte
	Masked     bool
	MaskKey    [4]byte
	PayloadLen int64
	HeaderLen  int // bytes occupied by the header including the mask key
}

// EncodeFrame builds a single final frame carrying payload. When masked is
// set a fresh random mask key is drawn and the payload is XOR-masked.
func EncodeFrame(payload []byte, opcode byte, masked bool) ([]byte, error) {
	var key *[4]byte
	if masked {
		k, err := NewMaskKey()
		if err != nil {
			return nil, err
		}
		key = &k
	}
	return AppendFrame(make([]byte, 0, MaxFrameHeaderLen+len(payload)), true, opcode, payload, key)
}

// AppendFrame appends one frame to dst. A nil key produces an unmasked
// frame. The caller's payload slice is never modified.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte, key *[4]byte) ([]byte, error) {
	if opcode > OpcodeBit {
		return nil, fmt.Errorf("protocol: invalid opcode %#x", opcode)
	}
	n := uint64(len(payload))
	if err := checkPayloadLength(n); err != nil {
		return nil, err
	}

	b0 := opcode & OpcodeBit
	if fin {
		b0 |= FinBit
	}
	var b1 byte
	if key != nil {
		b1 = MaskBit
	}

	switch {
	case n < lengthMarker16:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|lengthMarker16, byte(n>>8), byte(n))
	default:
		dst = append(dst, b0, b1|lengthMarker64)
		dst = binary.BigEndian.AppendUint64(dst, n)
	}

	if key == nil {
		return append(dst, payload...), nil
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	MaskBytes(dst[start:], *key, 0)
	return dst, nil
}

// DecodeFrameHeader parses the header at the start of buf. It never reads
// past len(buf): when not enough bytes are buffered it returns ok=false and
// a nil error so the caller can wait for more input.
func DecodeFrameHeader(buf []byte) (h FrameHeader, ok bool, err error) {
	if len(buf) < 2 {
		return h, false, nil
	}
	h.Fin = buf[0]&FinBit != 0
	h.Rsv = buf[0] & RsvBits
	h.Opcode = buf[0] & OpcodeBit
	h.Masked = buf[1]&MaskBit != 0

	length := uint64(buf[1] & LenBits)
	offset := 2
	switch length {
	case lengthMarker16:
		if len(buf) < offset+2 {
			return h, false, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case lengthMarker64:
		if len(buf) < offset+8 {
			return h, false, nil
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		if err := checkPayloadLength(length); err != nil {
			return h, false, err
		}
		offset += 8
	}

	if h.Masked {
		if len(buf) < offset+4 {
			return h, false, nil
		}
		copy(h.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	h.PayloadLen = int64(length)
	h.HeaderLen = offset
	return h, true, nil
}

// Unmask returns a copy of payload XOR-ed with key. Masking and unmasking
// are the same operation.
func Unmask(payload []byte, key [4]byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	MaskBytes(out, key, 0)
	return out
}

// MaskBytes XORs b in place with key starting at key offset pos and returns
// the offset to continue with on the next chunk of the same payload.
func MaskBytes(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// NewMaskKey draws a random 4-byte mask key.
func NewMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("protocol: mask key: %w", err)
	}
	return key, nil
}

func checkPayloadLength(n uint64) error {
	if n>>63 != 0 {
		return ErrPayloadTooLarge
	}
	return nil
}
