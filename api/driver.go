// File: api/driver.go
// Author: momentics <momentics@gmail.com>
//
// Driver contract shared by every transport.

package api

import (
	"context"

	"github.com/momentics/topicscope/control"
)

// Driver is a capability-negotiating session against one broker.
//
// Subscribe handlers may be invoked from a driver-owned goroutine; a driver
// never invokes two handlers concurrently.
type Driver interface {
	Connect(ctx context.Context, endpoint string, cfg *control.ConnectConfig) (*Capabilities, error)
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, id, keyExpr string, h SampleHandler) error
	Unsubscribe(ctx context.Context, id string) error
	Publish(ctx context.Context, keyExpr string, payload []byte, encoding string) error
}

// Pauser is implemented by drivers that can suppress delivery remotely.
type Pauser interface {
	Pause(ctx context.Context, id string, paused bool) error
}

// StatusNotifier is implemented by drivers that report transport loss.
type StatusNotifier interface {
	OnStatus(fn func(DriverStatus))
}

// QueueDepther exposes the number of outbound frames not yet written.
type QueueDepther interface {
	QueueDepth() int
}
