// File: driver/gateway/hints.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package gateway

import (
	"fmt"
	"strings"
)

// DefaultGatewayPort is where the remote-api plugin listens by default.
const DefaultGatewayPort = 10000

const (
	hintPlainHTTP = "The endpoint answered with an ordinary HTTP response instead of a protocol upgrade; " +
		"it looks like a REST or web port. Point the locator at the gateway's WebSocket endpoint, e.g. ws://host:10000."
	hintInvalidPath = "The gateway rejected the request path; use the root upgrade endpoint, e.g. ws://host:10000/."
)

// ConnectError is returned by Connect. Its text embeds the endpoint, a
// reachability suggestion and, for known misconfigurations, a hint.
type ConnectError struct {
	Endpoint string
	Hint     string
	Err      error
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to connect to %s: %v. ", e.Endpoint, e.Err)
	fmt.Fprintf(&b, "Verify that the gateway's remote-api endpoint is reachable at %s (default port %d).",
		e.Endpoint, DefaultGatewayPort)
	if e.Hint != "" {
		b.WriteString(" " + e.Hint)
	}
	return b.String()
}

func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(endpoint string, err error) *ConnectError {
	return &ConnectError{Endpoint: endpoint, Hint: hintFor(err), Err: err}
}

// hintFor matches the failure text against known wrong-endpoint signatures.
func hintFor(err error) string {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "invalid path"):
		return hintInvalidPath
	case strings.Contains(text, "http 200"),
		strings.Contains(text, "<html"),
		strings.Contains(text, "http 404"):
		return hintPlainHTTP
	default:
		return ""
	}
}
