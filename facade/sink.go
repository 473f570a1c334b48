// File: facade/sink.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Push channel towards the presentation layer.

package facade

import (
	"sync/atomic"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
)

// Event is one message pushed for a subscription.
type Event struct {
	SubscriptionID string      `json:"subscriptionId"`
	Message        api.Message `json:"message"`
}

// Sink receives messages and status changes. Calls may come from a
// driver's reader goroutine and must not block.
type Sink interface {
	PushMessage(subscriptionID string, msg api.Message)
	PushStatus(st api.Status)
}

// ChannelSink adapts a Sink to buffered channels. A full channel drops the
// push and counts it instead of stalling the reader.
type ChannelSink struct {
	Messages chan Event
	Status   chan api.Status

	metrics *control.Metrics
	dropped atomic.Int64
}

var _ Sink = (*ChannelSink)(nil)

// NewChannelSink creates a sink with size slots per channel.
func NewChannelSink(size int, m *control.Metrics) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{
		Messages: make(chan Event, size),
		Status:   make(chan api.Status, size),
		metrics:  m,
	}
}

func (s *ChannelSink) PushMessage(id string, msg api.Message) {
	select {
	case s.Messages <- Event{SubscriptionID: id, Message: msg}:
	default:
		s.dropped.Add(1)
		s.metrics.ObserveDrop()
	}
}

func (s *ChannelSink) PushStatus(st api.Status) {
	select {
	case s.Status <- st:
	default:
		s.dropped.Add(1)
		s.metrics.ObserveDrop()
	}
}

// Dropped returns the number of pushes lost to full channels.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// discardSink is used when no sink is configured.
type discardSink struct{}

func (discardSink) PushMessage(string, api.Message) {}
func (discardSink) PushStatus(api.Status)           {}
