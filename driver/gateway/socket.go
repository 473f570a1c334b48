// File: driver/gateway/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket abstraction injected into the gateway driver.

package gateway

import (
	"context"

	"github.com/momentics/topicscope/client"
)

// Socket is the part of a wire connection the driver uses.
type Socket interface {
	SendText(s string) error
	Close(code int, reason string) error
	QueueDepth() int
	Done() <-chan struct{}
}

// SocketFactory opens a socket with cfg and delivers its events to h.
type SocketFactory func(ctx context.Context, cfg client.Config, h client.Handler) (Socket, error)

// DialSocket is the default factory backed by the wire engine.
func DialSocket(ctx context.Context, cfg client.Config, h client.Handler) (Socket, error) {
	c, err := client.Dial(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var _ Socket = (*client.Conn)(nil)
