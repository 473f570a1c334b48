// File: cmd/topicscope/console.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event pump, reconnect supervisor and stdin command loop.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/facade"
)

var errQuit = errors.New("quit")

type console struct {
	orch    *facade.Orchestrator
	profile *control.Profile
	out     *printer
	logger  *slog.Logger

	callerReconnect bool
	lost            chan struct{}
}

// printer writes one JSON object per line.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &printer{enc: enc}
}

type line struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *printer) emit(l line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(l)
}

// pump prints everything the orchestrator pushes and flags transport loss
// to the supervisor.
func (c *console) pump(ctx context.Context, sink *facade.ChannelSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sink.Messages:
			c.out.emit(line{Kind: "message", Data: ev})
		case st := <-sink.Status:
			c.out.emit(line{Kind: "status", Data: st})
			if !st.Connected && st.Error != "" && c.callerReconnect {
				select {
				case c.lost <- struct{}{}:
				default:
				}
			}
		}
	}
}

// supervise makes the initial connection and reconnects after loss when
// the profile asks for it.
func (c *console) supervise(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		if !c.callerReconnect {
			return err
		}
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.lost:
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *console) connect(ctx context.Context) error {
	if _, err := c.orch.Connect(ctx, c.profile.Connect.Endpoint, &c.profile.Connect); err != nil {
		return err
	}
	for _, s := range c.profile.Subscriptions {
		id, err := c.orch.Subscribe(ctx, s.KeyExpr, s.Capacity)
		if err != nil {
			c.out.emit(line{Kind: "error", Command: "sub " + s.KeyExpr, Error: err.Error()})
			continue
		}
		c.out.emit(line{Kind: "result", Command: "sub " + s.KeyExpr, Data: id})
	}
	return nil
}

func (c *console) reconnect(ctx context.Context) error {
	policy := c.profile.Connect.Reconnect
	attempt := 0
	for ; policy.Allowed(attempt); attempt++ {
		delay := policy.Delay(attempt, rand.Float64)
		c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err := c.connect(ctx)
		if err == nil {
			select {
			case <-c.lost:
			default:
			}
			return nil
		}
		c.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("giving up after %d reconnect attempts", attempt)
}

// commands reads stdin until EOF or quit.
func (c *console) commands(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(text)
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			res, err := c.exec(ctx, text)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				c.out.emit(line{Kind: "error", Command: text, Error: err.Error()})
			default:
				c.out.emit(line{Kind: "result", Command: text, Data: res})
			}
		}
	}
}

// exec runs one command line against the orchestrator.
func (c *console) exec(ctx context.Context, text string) (any, error) {
	fields := strings.Fields(text)
	name, args := fields[0], fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected at least %d argument(s)", name, n)
		}
		return nil
	}

	switch name {
	case "sub":
		if err := need(1); err != nil {
			return nil, err
		}
		capacity := 0
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, fmt.Errorf("sub: invalid capacity %q", args[1])
			}
			capacity = n
		}
		return c.orch.Subscribe(ctx, args[0], capacity)
	case "unsub":
		if err := need(1); err != nil {
			return nil, err
		}
		return nil, c.orch.Unsubscribe(ctx, args[0])
	case "pause", "resume":
		if err := need(1); err != nil {
			return nil, err
		}
		return nil, c.orch.Pause(ctx, args[0], name == "pause")
	case "clear":
		if err := need(1); err != nil {
			return nil, err
		}
		c.orch.ClearBuffer(args[0])
		return nil, nil
	case "pub":
		if err := need(3); err != nil {
			return nil, err
		}
		return nil, c.orch.Publish(ctx, facade.PublishParams{KeyExpr: args[0], Mode: args[1], Payload: afterFields(text, 3)})
	case "keys":
		sub, filter := "", ""
		if len(args) > 0 && args[0] != "-" {
			sub = args[0]
		}
		if len(args) > 1 {
			filter = args[1]
		}
		return c.orch.RecentKeys(sub, filter), nil
	case "msgs":
		if err := need(1); err != nil {
			return nil, err
		}
		return c.orch.Messages(args[0]), nil
	case "subs":
		return c.orch.Subscriptions(), nil
	case "caps":
		return c.orch.Capabilities(), nil
	case "quit", "exit":
		return nil, errQuit
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// afterFields returns text following its first n whitespace-separated
// fields, keeping inner spacing of the remainder.
func afterFields(text string, n int) string {
	rest := text
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimPrefix(strings.TrimPrefix(rest, " "), "\t")
}
