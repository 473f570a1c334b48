// File: client/config.go
// Package client implements the wire engine: a WebSocket client over a raw
// stream socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The engine implements:
// - RFC6455 opening handshake over bare TCP or TLS (ws:// and wss://)
// - A 400 retry ladder for endpoints picky about subprotocols, Origin or path
// - Masking, fragmentation reassembly, ping/pong and the close handshake
// - A queued writer with an observable outbound depth
// - Optional heartbeat pings and a close-handshake timeout
// - Lifecycle callbacks delivered from a single reader goroutine

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/momentics/topicscope/control"
)

// Defaults applied by Dial for zero Config fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = 5 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	readBufferSize          = 32 << 10
)

// BinaryMode selects how binary messages reach Handler.OnMessage.
type BinaryMode int

const (
	// BinaryCopy hands the callback a slice it owns.
	BinaryCopy BinaryMode = iota
	// BinaryView hands the callback engine-owned memory that is reused
	// once the callback returns.
	BinaryView
)

// Config holds all configurable parameters for one connection.
type Config struct {
	URL       string      // ws://host[:port]/path or wss://...
	Origin    string      // sent when non-empty
	Protocols []string    // Sec-WebSocket-Protocol offer
	Header    http.Header // extra handshake headers (credentials)
	TLSConfig *tls.Config // wss only; ServerName defaults to the URL host

	BinaryMode       BinaryMode
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration // force-close if the peer never answers
	MaxMessageSize   int64         // per frame and per reassembled message
	Heartbeat        time.Duration // ping interval, 0 disables
	KeepAlive        time.Duration // TCP keepalive idle time, negative disables

	// NetDial replaces the default TCP dialer, mainly for tests.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger  *slog.Logger
	Metrics *control.Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = DefaultCloseTimeout
	}
	if out.KeepAlive == 0 {
		out.KeepAlive = DefaultKeepAlive
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	out.Logger = out.Logger.With("component", "wire")
	if out.NetDial == nil {
		d := &net.Dialer{}
		out.NetDial = d.DialContext
	}
	return out
}

// Handler receives connection events. Every callback runs on the
// connection's reader goroutine, one at a time. Nil members are skipped.
type Handler struct {
	// OnOpen fires once after the handshake with the selected subprotocol.
	OnOpen func(subprotocol string)
	// OnMessage receives each logical message. opcode is OpcodeText or
	// OpcodeBinary; text payloads are valid UTF-8 and always owned by
	// the callee.
	OnMessage func(opcode byte, data []byte)
	// OnError reports the failure that terminated the connection.
	OnError func(err error)
	// OnClose fires exactly once, last.
	OnClose func(code int, reason string)
}

// State of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
