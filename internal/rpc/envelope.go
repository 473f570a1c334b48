// File: internal/rpc/envelope.go
// Author: momentics <momentics@gmail.com>
//
// JSON envelopes shared by the gateway and subprocess drivers.
//
//	request:  {"id": "...", "op": "...", "body": {...}}
//	response: {"id": "...", "body": {...}} or {"id": "...", "error": {...}}
//	event:    {"event": "...", "body": {...}}

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is sent by the driver.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// Event is pushed by the peer without a request.
type Event struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Error codes understood by the drivers.
const (
	CodeUnknownOp  = "unknown_op"
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// ErrorBody is the error member of a response.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RemoteError is returned by Call when the peer answered with an error.
// Its text is the peer's message, unmodified.
type RemoteError struct {
	Op   string
	Code string
	Msg  string
}

func (e *RemoteError) Error() string { return e.Msg }

// line is the union of the envelope shapes used for classification.
type line struct {
	ID    string          `json:"id"`
	Op    string          `json:"op"`
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body"`
	Error *ErrorBody      `json:"error"`
}

// Kind of a decoded inbound line.
type Kind int

const (
	KindResponse Kind = iota + 1
	KindEvent
	KindRequest
)

// Decoded is one classified inbound line.
type Decoded struct {
	Kind     Kind
	Response *Response
	Event    *Event
	Request  *Request
}

var errNoRoute = errors.New("rpc: envelope has neither id nor event")

// Decode classifies raw as response, event or request.
func Decode(raw []byte) (*Decoded, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("rpc: malformed envelope: %w", err)
	}
	switch {
	case l.Event != "":
		return &Decoded{Kind: KindEvent, Event: &Event{Event: l.Event, Body: l.Body}}, nil
	case l.ID != "" && l.Op != "":
		return &Decoded{Kind: KindRequest, Request: &Request{ID: l.ID, Op: l.Op, Body: l.Body}}, nil
	case l.ID != "":
		return &Decoded{Kind: KindResponse, Response: &Response{ID: l.ID, Body: l.Body, Error: l.Error}}, nil
	default:
		return nil, errNoRoute
	}
}

// Marshal encodes v as a JSON body; nil yields no body.
func Marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// EncodeResponse builds a response line for id.
func EncodeResponse(id string, body any, rerr *ErrorBody) ([]byte, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{ID: id, Body: raw, Error: rerr})
}

// EncodeEvent builds an event line.
func EncodeEvent(name string, body any) ([]byte, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: name, Body: raw})
}
