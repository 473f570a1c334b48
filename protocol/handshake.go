// File: protocol/handshake.go
// Package protocol implements the client side of the WebSocket opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Builds the HTTP/1.1 Upgrade request as raw bytes, locates the end of the
// response header block in a stream buffer, parses the status line and
// headers, and verifies Sec-WebSocket-Accept against the nonce.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

// Constants used for handshake processing.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderOrigin             = "Origin"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketProto  = "Sec-WebSocket-Protocol"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
	MaxHandshakeHeadersSize  = 8192
	MaxHandshakeBodySize     = 4096
)

var (
	ErrHandshakeHeadersTooLarge = errors.New("handshake headers too large")
	ErrMalformedStatusLine      = errors.New("handshake: malformed status line")
)

var headerTerminator = []byte("\r\n\r\n")

// NewNonce returns a fresh base64-encoded 16-byte Sec-WebSocket-Key.
func NewNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("handshake nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value for a nonce:
// base64(sha1(nonce + GUID)).
func ComputeAcceptKey(nonce string) string {
	sum := sha1.Sum([]byte(nonce + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HandshakeRequest describes one opening handshake attempt.
type HandshakeRequest struct {
	Path      string
	Host      string
	Origin    string   // omitted when empty
	Key       string   // nonce
	Protocols []string // omitted when empty
	Header    http.Header
}

// Bytes serializes the request line, headers and terminating blank line.
func (r *HandshakeRequest) Bytes() []byte {
	path := r.Path
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	if r.Origin != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderOrigin, r.Origin)
	}
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketKey, r.Key)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketVer, RequiredWebSocketVersion)
	if len(r.Protocols) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecWebSocketProto, strings.Join(r.Protocols, ", "))
	}
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// FindHeaderEnd returns the length of the header block including the
// terminating blank line, or -1 when the terminator is not yet buffered.
func FindHeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// HandshakeResponse is the parsed status line and header block.
type HandshakeResponse struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

// ParseHandshakeResponse parses a complete header block as located by
// FindHeaderEnd.
func ParseHandshakeResponse(head []byte) (*HandshakeResponse, error) {
	if len(head) > MaxHandshakeHeadersSize {
		return nil, ErrHandshakeHeadersTooLarge
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("handshake read status: %w", err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	codeText, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("handshake read headers: %w", err)
	}
	return &HandshakeResponse{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     http.Header(mime),
	}, nil
}

// ContentLength returns the declared body length, or -1 when absent or invalid.
func (r *HandshakeResponse) ContentLength() int {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Accepts reports whether the response completes the upgrade for nonce.
func (r *HandshakeResponse) Accepts(nonce string) bool {
	if r.StatusCode != http.StatusSwitchingProtocols {
		return false
	}
	accept := strings.TrimSpace(r.Header.Get(HeaderSecWebSocketAccept))
	return accept != "" && accept == ComputeAcceptKey(nonce)
}

// Protocol returns the subprotocol selected by the server, if any.
func (r *HandshakeResponse) Protocol() string {
	return strings.TrimSpace(r.Header.Get(HeaderSecWebSocketProto))
}

// IsUpgrade reports whether the Upgrade header names websocket.
func (r *HandshakeResponse) IsUpgrade() bool {
	return headerContainsToken(r.Header, HeaderUpgrade, "websocket")
}

// headerContainsToken checks if headerName contains the given token (case-insensitive).
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}
