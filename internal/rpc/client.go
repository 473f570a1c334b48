// File: internal/rpc/client.go
// Author: momentics <momentics@gmail.com>
//
// Request/response correlation. Each Client owns its pending map; nothing
// is shared between driver instances.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/topicscope/api"
)

// DefaultTimeout bounds every call.
const DefaultTimeout = 5 * time.Second

// SendFunc writes one encoded request to the peer.
type SendFunc func(frame []byte) error

// Client correlates requests with responses by id.
type Client struct {
	send    SendFunc
	timeout time.Duration
	logger  *slog.Logger
	newID   func() string

	mu      sync.Mutex
	pending map[string]*call
	closed  error
}

type call struct {
	ch      chan *Response
	onReply func(*Response)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger for unmatched responses.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator replaces the uuid id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// NewClient creates a client writing requests through send.
func NewClient(send SendFunc, opts ...Option) *Client {
	c := &Client{
		send:    send,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		newID:   uuid.NewString,
		pending: make(map[string]*call),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call sends op with body and waits for the correlated response. When out
// is non-nil the response body is decoded into it. On timeout the pending
// entry is dropped and the error wraps api.ErrRequestTimeout.
func (c *Client) Call(ctx context.Context, op string, body any, out any) error {
	return c.CallWithReply(ctx, op, body, out, nil)
}

// CallWithReply is Call with onReply run inside Resolve, on the goroutine
// that reads responses, before the caller is woken. State that the next
// inbound message depends on can be set up there.
func (c *Client) CallWithReply(ctx context.Context, op string, body, out any, onReply func(*Response)) error {
	raw, err := Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}
	id := c.newID()
	frame, err := json.Marshal(Request{ID: id, Op: op, Body: raw})
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return err
	}
	c.pending[id] = &call{ch: ch, onReply: onReply}
	c.mu.Unlock()

	if err := c.send(frame); err != nil {
		c.drop(id)
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		if resp.Error != nil {
			return &RemoteError{Op: op, Code: resp.Error.Code, Msg: resp.Error.Message}
		}
		if out != nil && len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return fmt.Errorf("%s: decoding response: %w", op, err)
			}
		}
		return nil
	case <-timer.C:
		c.drop(id)
		return fmt.Errorf("%s: %w", op, api.ErrRequestTimeout)
	case <-ctx.Done():
		c.drop(id)
		return ctx.Err()
	}
}

// Resolve routes a response to its waiting call. It reports false when no
// call is pending for the id, which happens after a timeout.
func (c *Client) Resolve(resp *Response) bool {
	c.mu.Lock()
	pc, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", resp.ID)
		return false
	}
	if pc.onReply != nil {
		pc.onReply(resp)
	}
	pc.ch <- resp
	return true
}

// Close fails every pending call with err and rejects new ones.
func (c *Client) Close(err error) {
	if err == nil {
		err = api.ErrClosed
	}
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	pending := c.pending
	c.pending = make(map[string]*call)
	c.mu.Unlock()
	for _, pc := range pending {
		close(pc.ch)
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsUnknownOp reports whether the peer rejected the operation name itself.
func IsUnknownOp(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeUnknownOp
}
