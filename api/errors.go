// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error classification for topicscope.

package api

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors used across the module.
var (
	ErrInvalidKeyExpr = errors.New("invalid key expression")
	ErrInvalidConfig  = errors.New("invalid connection configuration")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotConnected   = errors.New("not connected")
	ErrUnsupported    = errors.New("operation not supported by driver")
	ErrBackpressure   = errors.New("outbound queue is full")
	ErrClosed         = errors.New("connection closed")

	// ErrRequestTimeout carries the diagnostic text brokers emit when an
	// acknowledgement never arrives. Drivers wrap it so teardown code can
	// recognise the condition structurally.
	ErrRequestTimeout = errors.New(BenignTimeoutText)
)

// BenignTimeoutText is the fixed diagnostic substring of an expected timeout.
const BenignTimeoutText = "timeout waiting for response"

// ErrorKind classifies failures by how callers should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindHandshake
	KindTransport
	KindBenignTimeout
	KindCapability
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindHandshake:
		return "handshake"
	case KindTransport:
		return "transport"
	case KindBenignTimeout:
		return "benign-timeout"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

// Error represents a classified error with the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface. The underlying diagnostic text is
// kept verbatim after the operation prefix.
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a validation error wrapping sentinel.
func Validationf(op string, sentinel error, format string, args ...any) *Error {
	return &Error{
		Kind: KindValidation,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// Unsupported reports a missing driver capability by name.
func Unsupported(driver, capability string) *Error {
	return &Error{
		Kind: KindCapability,
		Op:   driver,
		Err:  fmt.Errorf("%w: %s", ErrUnsupported, capability),
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnknown {
			return KindOf(e.Err)
		}
		return e.Kind
	}
	if IsBenignTimeout(err) {
		return KindBenignTimeout
	}
	return KindUnknown
}

// IsBenignTimeout reports whether err is an expected acknowledgement timeout.
// The structured check covers drivers in this module; the substring match
// covers errors relayed as plain text from a remote gateway.
func IsBenignTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindBenignTimeout {
		return true
	}
	return strings.Contains(err.Error(), BenignTimeoutText)
}
