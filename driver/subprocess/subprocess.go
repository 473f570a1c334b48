// File: driver/subprocess/subprocess.go
// Package subprocess implements the detached driver: a child process
// exchanging newline-delimited JSON envelopes over its standard streams.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inbound lines are either a correlated response, a message event routed
// to the subscription handler, or a status event routed to the status
// callback. Every request waits at most five seconds for its response.

package subprocess

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/internal/mockbus"
	"github.com/momentics/topicscope/internal/rpc"
)

// DriverName is reported when the child does not name itself.
const DriverName = "subprocess"

// exitGrace bounds the wait for the child after its stdin is closed.
const exitGrace = 2 * time.Second

// maxLine bounds one envelope read from the child.
const maxLine = 4 << 20

// Options configures the driver.
type Options struct {
	Command string
	Args    []string
	Env     []string  // appended to the parent environment
	Stderr  io.Writer // child stderr; nil discards it
	Timeout time.Duration
	Logger  *slog.Logger
}

// Driver talks to one child process per connection.
type Driver struct {
	opts   Options
	logger *slog.Logger

	wmu   sync.Mutex
	stdin io.WriteCloser

	mu       sync.Mutex
	cmd      *exec.Cmd
	rpc      *rpc.Client
	handlers map[string]api.SampleHandler
	onStatus func(api.DriverStatus)
	closing  bool
	exited   chan struct{}
}

var (
	_ api.Driver         = (*Driver)(nil)
	_ api.Pauser         = (*Driver)(nil)
	_ api.StatusNotifier = (*Driver)(nil)
)

// New creates a driver that will run opts.Command on Connect.
func New(opts Options) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = rpc.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		opts:     opts,
		logger:   opts.Logger.With("component", "subprocess"),
		handlers: make(map[string]api.SampleHandler),
	}
}

// Connect starts the child and opens a session with it.
func (d *Driver) Connect(ctx context.Context, endpoint string, cfg *control.ConnectConfig) (*api.Capabilities, error) {
	if d.opts.Command == "" {
		return nil, api.Validationf("connect", api.ErrInvalidConfig, "no command configured")
	}
	if endpoint == "" && cfg != nil {
		endpoint = cfg.Endpoint
	}

	d.mu.Lock()
	if d.cmd != nil {
		d.mu.Unlock()
		return nil, api.NewError(api.KindValidation, "connect", errors.New("driver already connected"))
	}
	d.mu.Unlock()

	cmd := exec.Command(d.opts.Command, d.opts.Args...)
	cmd.Env = append(os.Environ(), d.opts.Env...)
	cmd.Stderr = d.opts.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, api.NewError(api.KindTransport, "connect", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, api.NewError(api.KindTransport, "connect", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, api.NewError(api.KindTransport, "connect", err)
	}
	d.logger.Info("child started", "command", d.opts.Command, "pid", cmd.Process.Pid)

	rc := rpc.NewClient(d.writeLine, rpc.WithTimeout(d.opts.Timeout), rpc.WithLogger(d.logger))
	exited := make(chan struct{})

	d.wmu.Lock()
	d.stdin = stdin
	d.wmu.Unlock()
	d.mu.Lock()
	d.cmd = cmd
	d.rpc = rc
	d.closing = false
	d.exited = exited
	d.handlers = make(map[string]api.SampleHandler)
	d.mu.Unlock()

	go d.readLoop(stdout, rc, cmd, exited)

	var caps mockbus.CapabilitiesBody
	body := mockbus.ConnectBody{Endpoint: endpoint, Options: cfg.MergedOptions(endpoint)}
	if err := rc.Call(ctx, mockbus.OpConnect, body, &caps); err != nil {
		d.stop()
		return nil, err
	}
	if caps.Driver == "" {
		caps.Driver = DriverName
	}
	return &api.Capabilities{
		Driver:          caps.Driver,
		ProtocolVersion: caps.ProtocolVersion,
		Features:        caps.Features,
		Info:            caps.Info,
	}, nil
}

// Disconnect removes remaining subscriptions, ends the session and stops
// the child. Benign timeouts are logged, not returned.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.cmd == nil {
		d.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.Unsubscribe(ctx, id); err != nil {
			d.logger.Warn("unsubscribe during teardown failed", "id", id, "error", err)
		}
	}

	// The child answers disconnect with its own status event; that one is
	// not news to the caller.
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	var result error
	if err := d.call(ctx, mockbus.OpDisconnect, nil, nil); err != nil {
		if api.IsBenignTimeout(err) {
			d.logger.Info("disconnect not acknowledged", "error", err)
		} else {
			result = err
		}
	}
	d.stop()
	return result
}

// stop closes the child's stdin and waits for it, killing it after a grace
// period.
func (d *Driver) stop() {
	d.mu.Lock()
	cmd, exited := d.cmd, d.exited
	d.closing = true
	d.mu.Unlock()
	if cmd == nil {
		return
	}

	d.wmu.Lock()
	if d.stdin != nil {
		_ = d.stdin.Close()
		d.stdin = nil
	}
	d.wmu.Unlock()

	select {
	case <-exited:
	case <-time.After(exitGrace):
		d.logger.Warn("child did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exited
	}

	d.mu.Lock()
	d.cmd = nil
	d.handlers = make(map[string]api.SampleHandler)
	d.mu.Unlock()
}

type subscribeBody = mockbus.SubscribeBody

// Subscribe registers h and asks the child to route keyExpr to it.
func (d *Driver) Subscribe(ctx context.Context, id, keyExpr string, h api.SampleHandler) error {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return err
	}
	d.mu.Lock()
	if _, dup := d.handlers[id]; dup {
		d.mu.Unlock()
		return api.Validationf("subscribe", api.ErrInvalidConfig, "subscription %q already declared", id)
	}
	d.handlers[id] = h
	d.mu.Unlock()

	if err := d.call(ctx, mockbus.OpSubscribe, subscribeBody{ID: id, KeyExpr: keyExpr}, nil); err != nil {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the handler and tells the child. A benign timeout is
// logged and treated as success.
func (d *Driver) Unsubscribe(ctx context.Context, id string) error {
	d.mu.Lock()
	_, ok := d.handlers[id]
	delete(d.handlers, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	err := d.call(ctx, mockbus.OpUnsubscribe, subscribeBody{ID: id}, nil)
	if api.IsBenignTimeout(err) {
		d.logger.Info("unsubscribe not acknowledged, treating as removed", "id", id, "error", err)
		return nil
	}
	return err
}

// Publish sends payload to keyExpr.
func (d *Driver) Publish(ctx context.Context, keyExpr string, payload []byte, encoding string) error {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return err
	}
	return d.call(ctx, mockbus.OpPublish, mockbus.PublishBody{
		KeyExpr:    keyExpr,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		Encoding:   encoding,
	}, nil)
}

// Pause asks the child to suppress delivery for id.
func (d *Driver) Pause(ctx context.Context, id string, paused bool) error {
	return d.call(ctx, mockbus.OpPause, subscribeBody{ID: id, Paused: paused}, nil)
}

// OnStatus registers the status callback.
func (d *Driver) OnStatus(fn func(api.DriverStatus)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

func (d *Driver) call(ctx context.Context, op string, body, out any) error {
	d.mu.Lock()
	rc, running := d.rpc, d.cmd != nil
	d.mu.Unlock()
	if rc == nil || !running {
		return api.NewError(api.KindTransport, op, api.ErrNotConnected)
	}
	return rc.Call(ctx, op, body, out)
}

func (d *Driver) writeLine(frame []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.stdin == nil {
		return api.ErrNotConnected
	}
	if _, err := d.stdin.Write(append(frame, '\n')); err != nil {
		return api.NewError(api.KindTransport, "write", err)
	}
	return nil
}

// readLoop is the only goroutine invoking handlers and status callbacks.
func (d *Driver) readLoop(stdout io.Reader, rc *rpc.Client, cmd *exec.Cmd, exited chan struct{}) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		dec, err := rpc.Decode(line)
		if err != nil {
			d.logger.Warn("dropping malformed line", "error", err)
			continue
		}
		switch dec.Kind {
		case rpc.KindResponse:
			rc.Resolve(dec.Response)
		case rpc.KindEvent:
			d.handleEvent(dec.Event)
		default:
			d.logger.Debug("ignoring request from child", "op", dec.Request.Op)
		}
	}
	readErr := sc.Err()
	waitErr := cmd.Wait()
	close(exited)

	d.mu.Lock()
	closing := d.closing
	cb := d.onStatus
	if !closing {
		d.cmd = nil
	}
	d.mu.Unlock()

	cause := readErr
	if cause == nil {
		cause = waitErr
	}
	if cause == nil {
		cause = api.ErrClosed
	}
	rc.Close(api.NewError(api.KindTransport, "child", cause))
	if closing {
		return
	}
	d.logger.Warn("child exited unexpectedly", "error", cause)
	if cb != nil {
		cb(api.DriverStatus{Connected: false, Err: fmt.Errorf("child process exited: %w", cause)})
	}
}

func (d *Driver) handleEvent(ev *rpc.Event) {
	switch ev.Event {
	case mockbus.EventMessage:
		var m mockbus.MessageEvent
		if err := json.Unmarshal(ev.Body, &m); err != nil {
			d.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		d.mu.Lock()
		h := d.handlers[m.SubscriptionID]
		d.mu.Unlock()
		if h == nil {
			d.logger.Debug("message for unregistered subscription", "id", m.SubscriptionID)
			return
		}
		payload, err := base64.StdEncoding.DecodeString(m.PayloadB64)
		if err != nil {
			d.logger.Warn("dropping message with bad payload", "id", m.SubscriptionID, "error", err)
			return
		}
		h(api.Sample{Key: m.Key, Payload: payload, TimestampMs: m.Timestamp, Encoding: m.Encoding})

	case mockbus.EventStatus:
		var s mockbus.StatusEvent
		if err := json.Unmarshal(ev.Body, &s); err != nil {
			d.logger.Warn("dropping malformed status event", "error", err)
			return
		}
		d.mu.Lock()
		cb, closing := d.onStatus, d.closing
		d.mu.Unlock()
		if cb == nil || closing {
			return
		}
		st := api.DriverStatus{Connected: s.Connected}
		if s.Error != "" {
			st.Err = errors.New(s.Error)
		}
		cb(st)

	default:
		d.logger.Debug("ignoring event", "event", ev.Event)
	}
}
