// File: protocol/negotiation.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handshake retry ladder for endpoints that reject the first upgrade
// request with 400. The ladder is a pure function of the current attempt
// and the observed failure; the client package performs the I/O.

package protocol

import (
	"bytes"
	"net/http"
)

// NegotiationStep names the parameters an attempt was made with. Steps only
// move forward, so every rung of the ladder is used at most once.
type NegotiationStep int

const (
	StepInitial NegotiationStep = iota
	StepDefaultProtocols
	StepDropOrigin
	StepWildcardPath
	StepExhausted
)

func (s NegotiationStep) String() string {
	switch s {
	case StepInitial:
		return "initial"
	case StepDefaultProtocols:
		return "default-subprotocols"
	case StepDropOrigin:
		return "drop-origin"
	case StepWildcardPath:
		return "wildcard-path"
	case StepExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// DefaultSubprotocols is offered when the first attempt sent none.
var DefaultSubprotocols = []string{"remote-api", "json"}

// WildcardPath replaces the request path when the server reports it invalid.
const WildcardPath = "/*"

var invalidPathMarker = []byte("invalid path")

// Negotiation holds the parameters of one handshake attempt.
type Negotiation struct {
	Step      NegotiationStep
	Path      string
	Origin    string
	Protocols []string
}

// NewNegotiation returns the initial attempt.
func NewNegotiation(path, origin string, protocols []string) Negotiation {
	return Negotiation{
		Step:      StepInitial,
		Path:      path,
		Origin:    origin,
		Protocols: append([]string(nil), protocols...),
	}
}

// HandshakeFailure is what the ladder needs to know about a rejected attempt.
type HandshakeFailure struct {
	StatusCode int
	Body       []byte
}

// InvalidPath reports whether the response body signals an invalid path.
func (f HandshakeFailure) InvalidPath() bool {
	return bytes.Contains(bytes.ToLower(f.Body), invalidPathMarker)
}

// NextNegotiation returns the parameters for the next attempt, or ok=false
// when the failure is not retryable or the ladder is exhausted.
func NextNegotiation(cur Negotiation, f HandshakeFailure) (next Negotiation, ok bool) {
	next = cur
	next.Protocols = append([]string(nil), cur.Protocols...)
	if f.StatusCode != http.StatusBadRequest {
		next.Step = StepExhausted
		return next, false
	}
	for step := cur.Step + 1; step < StepExhausted; step++ {
		switch step {
		case StepDefaultProtocols:
			if len(cur.Protocols) == 0 {
				next.Protocols = append([]string(nil), DefaultSubprotocols...)
				next.Step = step
				return next, true
			}
		case StepDropOrigin:
			if cur.Origin != "" {
				next.Origin = ""
				next.Step = step
				return next, true
			}
		case StepWildcardPath:
			if f.InvalidPath() {
				next.Path = WildcardPath
				next.Step = step
				return next, true
			}
		}
	}
	next.Step = StepExhausted
	return next, false
}
