// File: protocol/frame_codec.go
// Package protocol implements the incremental frame parser with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameParser accepts arbitrary chunks of a byte stream and reconstructs
// zero or more complete frames per chunk. Payload limits protect against
// frames that would exhaust memory.

package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxFramePayload bounds a single frame when the caller sets no limit.
const DefaultMaxFramePayload = 16 << 20 // 16 MiB

var (
	ErrFrameTooLarge     = errors.New("protocol: frame payload exceeds maximum allowed size")
	ErrReservedBits      = errors.New("protocol: reserved bits set without negotiated extension")
	ErrUnknownOpcode     = errors.New("protocol: unknown opcode")
	ErrFragmentedControl = errors.New("protocol: fragmented control frame")
	ErrControlTooLarge   = errors.New("protocol: control frame payload exceeds 125 bytes")
)

// Frame is a decoded frame with its payload already unmasked.
type Frame struct {
	FrameHeader
	Payload []byte
}

// FrameParser reassembles frames from a byte stream. It is not safe for
// concurrent use; the client package drives it from a single reader.
type FrameParser struct {
	buf        []byte
	maxPayload int64
}

// NewFrameParser returns a parser enforcing maxPayload per frame
// (DefaultMaxFramePayload when maxPayload <= 0).
func NewFrameParser(maxPayload int64) *FrameParser {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFramePayload
	}
	return &FrameParser{maxPayload: maxPayload}
}

// Feed appends a chunk of inbound bytes.
func (p *FrameParser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
}

// Next returns the next complete frame, or (nil, nil) when the buffered
// bytes do not yet hold one.
func (p *FrameParser) Next() (*Frame, error) {
	h, ok, err := DecodeFrameHeader(p.buf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if h.PayloadLen > p.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.PayloadLen, p.maxPayload)
	}
	total := h.HeaderLen + int(h.PayloadLen)
	if len(p.buf) < total {
		return nil, nil
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, p.buf[h.HeaderLen:total])
	if h.Masked {
		MaskBytes(payload, h.MaskKey, 0)
	}

	n := copy(p.buf, p.buf[total:])
	p.buf = p.buf[:n]
	return &Frame{FrameHeader: h, Payload: payload}, nil
}

// Parse feeds chunk and drains every complete frame.
func (p *FrameParser) Parse(chunk []byte) ([]*Frame, error) {
	p.Feed(chunk)
	var frames []*Frame
	for {
		f, err := p.Next()
		if err != nil {
			return frames, err
		}
		if f == nil {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

// Buffered returns the number of bytes waiting for a complete frame.
func (p *FrameParser) Buffered() int {
	return len(p.buf)
}

// Reset drops any partially buffered frame.
func (p *FrameParser) Reset() {
	p.buf = nil
}

// ValidateFrame checks the header constraints that hold regardless of
// connection state: no reserved bits, known opcode, control frames final
// and small.
func ValidateFrame(h FrameHeader) error {
	if h.Rsv != 0 {
		return ErrReservedBits
	}
	switch h.Opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary:
		return nil
	case OpcodeClose, OpcodePing, OpcodePong:
		if !h.Fin {
			return ErrFragmentedControl
		}
		if h.PayloadLen > MaxControlPayloadLen {
			return ErrControlTooLarge
		}
		return nil
	default:
		return fmt.Errorf("%w %#x", ErrUnknownOpcode, h.Opcode)
	}
}
