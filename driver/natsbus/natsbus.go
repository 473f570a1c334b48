// File: driver/natsbus/natsbus.go
// Package natsbus implements the driver contract over a NATS connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// All subscriptions share one delivery channel drained by a single
// goroutine, so handlers never run concurrently. Reconnection is left to
// the NATS client, configured from the reconnect descriptor.

package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
)

// DriverName is reported in Capabilities.Driver.
const DriverName = "nats"

// HeaderContentType carries the encoding hint on published messages.
const HeaderContentType = "Content-Type"

// deliveryBuffer is the capacity of the shared delivery channel.
const deliveryBuffer = 1024

// Options configures the driver.
type Options struct {
	Name   string // client name shown by the server
	Logger *slog.Logger
}

type subEntry struct {
	id      string
	sub     *nats.Subscription
	handler api.SampleHandler
}

// Driver is the NATS driver.
type Driver struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	flushTO  time.Duration
	msgs     chan *nats.Msg
	stop     chan struct{}
	stopped  chan struct{}
	byID     map[string]*subEntry
	bySub    map[*nats.Subscription]*subEntry
	onStatus func(api.DriverStatus)
	closing  bool
}

var (
	_ api.Driver         = (*Driver)(nil)
	_ api.StatusNotifier = (*Driver)(nil)
)

// New creates a disconnected driver.
func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "topicscope"
	}
	return &Driver{
		opts:   opts,
		logger: opts.Logger.With("component", "natsbus"),
	}
}

// BuildOptions maps the connect configuration onto NATS client options.
func BuildOptions(cfg *control.ConnectConfig, locator, name string) ([]nats.Option, error) {
	out := []nats.Option{nats.Name(name)}
	if cfg == nil {
		return append(out, nats.NoReconnect()), nil
	}

	if a := cfg.Auth; a != nil {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		switch a.Mode {
		case control.AuthBasic:
			out = append(out, nats.UserInfo(a.Username, a.Password))
		case control.AuthBearer:
			out = append(out, nats.Token(a.Token))
		case control.AuthHeader:
			return nil, api.Unsupported(DriverName, "header auth")
		}
	}

	if cfg.TLS != nil {
		host := ""
		if u, err := url.Parse(locator); err == nil {
			host = u.Hostname()
		}
		tcfg, err := cfg.TLS.ClientConfig(host)
		if err != nil {
			return nil, err
		}
		out = append(out, nats.Secure(tcfg))
	}

	r := cfg.Reconnect
	if r == nil || !r.Enabled {
		return append(out, nats.NoReconnect()), nil
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = -1
	}
	out = append(out,
		nats.MaxReconnects(maxAttempts),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return r.Delay(attempts-1, rand.Float64)
		}),
	)
	return out, nil
}

// Connect dials the NATS server named by the locator or endpoint.
func (d *Driver) Connect(ctx context.Context, endpoint string, cfg *control.ConnectConfig) (*api.Capabilities, error) {
	if endpoint == "" && cfg != nil {
		endpoint = cfg.Endpoint
	}
	if endpoint == "" {
		return nil, api.Validationf("connect", api.ErrInvalidConfig, "endpoint is required")
	}
	opts := cfg.MergedOptions(endpoint)
	locator, _ := opts[control.OptLocator].(string)
	if locator == "" {
		locator = endpoint
	}

	natsOpts, err := BuildOptions(cfg, locator, d.opts.Name)
	if err != nil {
		if api.KindOf(err) == api.KindCapability {
			return nil, err
		}
		return nil, api.NewError(api.KindValidation, "connect", fmt.Errorf("%w: %v", api.ErrInvalidConfig, err))
	}
	timeout := control.ResponseTimeout(opts)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < timeout {
			timeout = left
		}
	}
	natsOpts = append(natsOpts,
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(d.onDisconnect),
		nats.ReconnectHandler(d.onReconnect),
		nats.ClosedHandler(d.onClosed),
	)

	d.mu.Lock()
	if d.nc != nil {
		d.mu.Unlock()
		return nil, api.NewError(api.KindValidation, "connect", fmt.Errorf("driver already connected"))
	}
	d.closing = false
	d.mu.Unlock()

	nc, err := nats.Connect(locator, natsOpts...)
	if err != nil {
		return nil, api.NewError(api.KindTransport, "connect", fmt.Errorf("connecting to %s: %w", locator, err))
	}

	msgs := make(chan *nats.Msg, deliveryBuffer)
	stop, stopped := make(chan struct{}), make(chan struct{})
	d.mu.Lock()
	d.nc = nc
	d.flushTO = timeout
	d.msgs = msgs
	d.stop, d.stopped = stop, stopped
	d.byID = make(map[string]*subEntry)
	d.bySub = make(map[*nats.Subscription]*subEntry)
	d.mu.Unlock()
	go d.dispatch(msgs, stop, stopped)

	d.logger.Info("connected", "url", nc.ConnectedUrlRedacted(), "server", nc.ConnectedServerName())
	return &api.Capabilities{
		Driver:          DriverName,
		ProtocolVersion: nc.ConnectedServerVersion(),
		Features:        []string{api.FeatureSubscribe, api.FeaturePublish},
		Info: map[string]any{
			"server_id":   nc.ConnectedServerId(),
			"server_name": nc.ConnectedServerName(),
			"max_payload": nc.MaxPayload(),
		},
	}, nil
}

// Disconnect unsubscribes everything and closes the connection.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	nc := d.nc
	if nc == nil {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	entries := make([]*subEntry, 0, len(d.byID))
	for _, e := range d.byID {
		entries = append(entries, e)
	}
	stop, stopped := d.stop, d.stopped
	d.mu.Unlock()

	for _, e := range entries {
		if err := e.sub.Unsubscribe(); err != nil {
			d.logger.Warn("unsubscribe during teardown failed", "id", e.id, "error", err)
		}
	}
	nc.Close()
	close(stop)
	<-stopped

	d.mu.Lock()
	d.nc = nil
	d.byID, d.bySub = nil, nil
	d.mu.Unlock()
	return nil
}

// Subscribe maps keyExpr to a subject and routes deliveries to h.
func (d *Driver) Subscribe(ctx context.Context, id, keyExpr string, h api.SampleHandler) error {
	subject, err := Subject(keyExpr)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc == nil {
		return api.NewError(api.KindTransport, "subscribe", api.ErrNotConnected)
	}
	if _, dup := d.byID[id]; dup {
		return api.Validationf("subscribe", api.ErrInvalidConfig, "subscription %q already declared", id)
	}
	sub, err := d.nc.ChanSubscribe(subject, d.msgs)
	if err != nil {
		return api.NewError(api.KindTransport, "subscribe", err)
	}
	e := &subEntry{id: id, sub: sub, handler: h}
	d.byID[id] = e
	d.bySub[sub] = e
	return nil
}

// Unsubscribe removes the subscription. Unknown ids are a no-op.
func (d *Driver) Unsubscribe(ctx context.Context, id string) error {
	d.mu.Lock()
	e, ok := d.byID[id]
	if ok {
		delete(d.byID, id)
		delete(d.bySub, e.sub)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return api.NewError(api.KindTransport, "unsubscribe", err)
	}
	return nil
}

// Publish sends payload with the encoding in the Content-Type header and
// waits for the server to accept it.
func (d *Driver) Publish(ctx context.Context, keyExpr string, payload []byte, encoding string) error {
	subject, err := Subject(keyExpr)
	if err != nil {
		return err
	}
	if hasWildcard(keyExpr) {
		return api.Validationf("publish", api.ErrInvalidKeyExpr, "cannot publish to wildcard expression %q", keyExpr)
	}
	d.mu.Lock()
	nc, flushTO := d.nc, d.flushTO
	d.mu.Unlock()
	if nc == nil {
		return api.NewError(api.KindTransport, "publish", api.ErrNotConnected)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if encoding != "" {
		msg.Header.Set(HeaderContentType, encoding)
	}
	if err := nc.PublishMsg(msg); err != nil {
		return api.NewError(api.KindTransport, "publish", err)
	}
	if err := nc.FlushTimeout(flushTO); err != nil {
		if err == nats.ErrTimeout {
			return fmt.Errorf("publish: %w", api.ErrRequestTimeout)
		}
		return api.NewError(api.KindTransport, "publish", err)
	}
	return nil
}

// OnStatus registers the status callback.
func (d *Driver) OnStatus(fn func(api.DriverStatus)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

func (d *Driver) dispatch(msgs <-chan *nats.Msg, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-stop:
			return
		case m := <-msgs:
			d.mu.Lock()
			e := d.bySub[m.Sub]
			d.mu.Unlock()
			if e == nil {
				continue
			}
			enc := ""
			if m.Header != nil {
				enc = m.Header.Get(HeaderContentType)
			}
			e.handler(api.Sample{
				Key:      KeyFromSubject(m.Subject),
				Payload:  m.Data,
				Encoding: enc,
			})
		}
	}
}

func (d *Driver) status(st api.DriverStatus) {
	d.mu.Lock()
	cb, closing := d.onStatus, d.closing
	d.mu.Unlock()
	if cb != nil && !closing {
		cb(st)
	}
}

func (d *Driver) onDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		err = api.ErrClosed
	}
	d.logger.Warn("nats disconnected", "error", err)
	d.status(api.DriverStatus{Connected: false, Err: err})
}

func (d *Driver) onReconnect(nc *nats.Conn) {
	d.logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
	d.status(api.DriverStatus{Connected: true})
}

func (d *Driver) onClosed(nc *nats.Conn) {
	err := nc.LastError()
	if err == nil {
		err = api.ErrClosed
	}
	d.status(api.DriverStatus{Connected: false, Err: err})
}
