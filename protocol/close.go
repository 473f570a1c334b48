// File: protocol/close.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close frame payload: 2-byte big-endian status code followed by UTF-8 reason.

package protocol

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var ErrInvalidClosePayload = errors.New("protocol: invalid close payload")

// EncodeClosePayload builds a close payload. A code of 0 yields an empty
// payload. The reason is truncated so the payload fits a control frame.
func EncodeClosePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	return append(p, reason...)
}

// DecodeClosePayload decodes a close payload. An empty payload reports
// CloseNoStatusRcvd.
func DecodeClosePayload(p []byte) (code int, reason string, err error) {
	switch {
	case len(p) == 0:
		return CloseNoStatusRcvd, "", nil
	case len(p) == 1:
		return 0, "", ErrInvalidClosePayload
	}
	code = int(binary.BigEndian.Uint16(p))
	if !utf8.Valid(p[2:]) {
		return code, "", ErrInvalidClosePayload
	}
	return code, string(p[2:]), nil
}
