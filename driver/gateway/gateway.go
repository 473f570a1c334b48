// File: driver/gateway/gateway.go
// Package gateway implements the live driver: a broker gateway session
// carried as JSON envelopes over wire engine text frames.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session API differences between gateway versions are absorbed by fallback
// tables: each logical operation lists the remote operation names to try in
// priority order, and a name the gateway reports unknown is skipped.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/client"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/internal/rpc"
	"github.com/momentics/topicscope/protocol"
)

// DriverName is reported in Capabilities.Driver.
const DriverName = "gateway"

// Remote operation names.
const (
	opOpenSession        = "open_session"
	opCloseSession       = "close_session"
	opPut                = "put"
	opDeclarePublisher   = "declare_publisher"
	opPublisherPut       = "publisher_put"
	opUndeclarePublisher = "undeclare_publisher"

	eventSample = "sample"
)

var (
	subscribeOps = []string{"declare_subscriber", "subscribe"}
	closeOps     = []string{"undeclare_subscriber", "unsubscribe", "close"}
)

// Options configures the driver.
type Options struct {
	// Socket opens the wire connection. Nil selects DialSocket.
	Socket SocketFactory
	// Origin is sent on the handshake when non-empty.
	Origin  string
	Logger  *slog.Logger
	Metrics *control.Metrics
	// Wire tunes the wire engine; URL, Header and TLSConfig are set by
	// Connect.
	Wire client.Config
}

// subscriber is the uniform close handle for one declared subscription.
type subscriber struct {
	id      string
	keyExpr string
	handle  string
	handler api.SampleHandler
}

// Driver is the live gateway driver.
type Driver struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sock     Socket
	rpc      *rpc.Client
	subs     map[string]*subscriber // by subscription id
	handles  map[string]string      // remote handle -> subscription id
	closing  bool
	onStatus func(api.DriverStatus)
	closeErr error
}

var (
	_ api.Driver         = (*Driver)(nil)
	_ api.StatusNotifier = (*Driver)(nil)
	_ api.QueueDepther   = (*Driver)(nil)
)

// New creates a disconnected driver.
func New(opts Options) *Driver {
	if opts.Socket == nil {
		opts.Socket = DialSocket
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		logger:  opts.Logger.With("component", "gateway"),
		subs:    make(map[string]*subscriber),
		handles: make(map[string]string),
	}
}

// sessionInfo is the open_session response.
type sessionInfo struct {
	ProtocolVersion string         `json:"protocolVersion"`
	GatewayVersion  string         `json:"gatewayVersion"`
	Features        []string       `json:"features"`
	Info            map[string]any `json:"info"`
}

// Connect opens the socket and a gateway session.
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

	header, err := cfg.Header()
	if err != nil {
		return nil, api.NewError(api.KindValidation, "connect", fmt.Errorf("%w: %v", api.ErrInvalidConfig, err))
	}
	wire := d.opts.Wire
	wire.URL = locator
	wire.Origin = d.opts.Origin
	wire.Header = header
	wire.Metrics = d.opts.Metrics
	wire.Logger = d.opts.Logger
	if cfg != nil && cfg.TLS != nil {
		host := ""
		if u, perr := url.Parse(locator); perr == nil {
			host = u.Hostname()
		}
		tcfg, err := cfg.TLS.ClientConfig(host)
		if err != nil {
			return nil, api.NewError(api.KindValidation, "connect", fmt.Errorf("%w: %v", api.ErrInvalidConfig, err))
		}
		wire.TLSConfig = tcfg
	}

	d.mu.Lock()
	if d.sock != nil {
		d.mu.Unlock()
		return nil, api.NewError(api.KindValidation, "connect", errors.New("driver already connected"))
	}
	d.closing = false
	d.closeErr = nil
	d.subs = make(map[string]*subscriber)
	d.handles = make(map[string]string)
	d.mu.Unlock()

	rc := rpc.NewClient(d.sendFrame, rpc.WithTimeout(control.ResponseTimeout(opts)), rpc.WithLogger(d.logger))
	d.mu.Lock()
	d.rpc = rc
	d.mu.Unlock()

	sock, err := d.opts.Socket(ctx, wire, client.Handler{
		OnMessage: d.onFrame,
		OnError:   d.onError,
		OnClose:   d.onClose,
	})
	if err != nil {
		return nil, newConnectError(endpoint, err)
	}
	d.mu.Lock()
	d.sock = sock
	d.mu.Unlock()

	var info sessionInfo
	if err := rc.Call(ctx, opOpenSession, opts, &info); err != nil {
		d.teardownSocket(protocol.CloseGoingAway, "session refused")
		return nil, newConnectError(endpoint, err)
	}
	d.logger.Info("session opened", "endpoint", endpoint, "gateway", info.GatewayVersion)

	features := info.Features
	if len(features) == 0 {
		features = []string{api.FeatureSubscribe, api.FeaturePublish}
	}
	return &api.Capabilities{
		Driver:          DriverName,
		ProtocolVersion: info.ProtocolVersion,
		GatewayVersion:  info.GatewayVersion,
		Features:        features,
		Info:            info.Info,
	}, nil
}

// Disconnect removes every remaining subscription, closes the session and
// releases the socket. Benign timeouts are logged, not returned.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.sock == nil {
		d.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.Unsubscribe(ctx, id); err != nil {
			d.logger.Warn("unsubscribe during teardown failed", "id", id, "error", err)
		}
	}

	var result error
	if err := d.call(ctx, opCloseSession, nil, nil); err != nil {
		switch {
		case api.IsBenignTimeout(err):
			d.logger.Info("close_session not acknowledged", "error", err)
		case rpc.IsUnknownOp(err):
		default:
			result = err
		}
	}
	d.teardownSocket(protocol.CloseNormalClosure, "")
	return result
}

// teardownSocket closes the socket and waits for it to finish.
func (d *Driver) teardownSocket(code int, reason string) {
	d.mu.Lock()
	sock := d.sock
	d.closing = true
	d.mu.Unlock()
	if sock == nil {
		return
	}
	_ = sock.Close(code, reason)
	<-sock.Done()

	d.mu.Lock()
	d.sock = nil
	rc := d.rpc
	d.subs = make(map[string]*subscriber)
	d.handles = make(map[string]string)
	d.mu.Unlock()
	if rc != nil {
		rc.Close(api.ErrClosed)
	}
}

type declareBody struct {
	ID      string `json:"id"`
	KeyExpr string `json:"key_expr"`
}

type handleBody struct {
	ID     string `json:"id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Subscribe declares a subscriber using the first supported operation.
// The subscriber is routable before the declare is sent, and a handle in
// the reply is bound on the reader goroutine, so samples that follow the
// acknowledgement on the wire are never lost.
func (d *Driver) Subscribe(ctx context.Context, id, keyExpr string, h api.SampleHandler) error {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return err
	}
	sub := &subscriber{id: id, keyExpr: keyExpr, handle: id, handler: h}
	d.mu.Lock()
	if _, dup := d.subs[id]; dup {
		d.mu.Unlock()
		return api.Validationf("subscribe", api.ErrInvalidConfig, "subscription %q already declared", id)
	}
	d.subs[id] = sub
	d.mu.Unlock()

	bind := func(resp *rpc.Response) {
		if resp.Error != nil || len(resp.Body) == 0 {
			return
		}
		var hb handleBody
		if err := json.Unmarshal(resp.Body, &hb); err != nil || hb.Handle == "" || hb.Handle == id {
			return
		}
		d.mu.Lock()
		if d.subs[id] == sub {
			sub.handle = hb.Handle
			d.handles[hb.Handle] = id
		}
		d.mu.Unlock()
	}
	err := d.firstKnown(ctx, subscribeOps, declareBody{ID: id, KeyExpr: keyExpr}, bind)
	if err == nil {
		return nil
	}
	d.mu.Lock()
	if d.subs[id] == sub {
		delete(d.subs, id)
		delete(d.handles, sub.handle)
	}
	d.mu.Unlock()
	if errors.Is(err, errAllUnknown) {
		return api.Unsupported(DriverName, "subscribe")
	}
	return err
}

// Unsubscribe undeclares the subscriber. A benign timeout is logged and
// treated as success; the handle is released either way.
func (d *Driver) Unsubscribe(ctx context.Context, id string) error {
	d.mu.Lock()
	sub, ok := d.subs[id]
	handle := ""
	if ok {
		handle = sub.handle
		delete(d.subs, id)
		delete(d.handles, handle)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	err := d.firstKnown(ctx, closeOps, handleBody{ID: id, Handle: handle}, nil)
	switch {
	case err == nil:
		return nil
	case api.IsBenignTimeout(err):
		d.logger.Info("unsubscribe not acknowledged, treating as removed", "id", id, "error", err)
		return nil
	case errors.Is(err, errAllUnknown):
		return api.Unsupported(DriverName, "unsubscribe")
	default:
		return err
	}
}

type putBody struct {
	KeyExpr    string `json:"key_expr,omitempty"`
	Handle     string `json:"handle,omitempty"`
	PayloadB64 string `json:"payload_b64"`
	Encoding   string `json:"encoding,omitempty"`
}

// Publish writes payload with put, or through a transient publisher when
// the gateway has no put operation.
func (d *Driver) Publish(ctx context.Context, keyExpr string, payload []byte, encoding string) error {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return err
	}
	b64 := base64.StdEncoding.EncodeToString(payload)
	err := d.call(ctx, opPut, putBody{KeyExpr: keyExpr, PayloadB64: b64, Encoding: encoding}, nil)
	if !rpc.IsUnknownOp(err) {
		return err
	}

	var pub handleBody
	if err := d.call(ctx, opDeclarePublisher, declareBody{KeyExpr: keyExpr}, &pub); err != nil {
		if rpc.IsUnknownOp(err) {
			return api.Unsupported(DriverName, "publish")
		}
		return err
	}
	defer func() {
		if err := d.call(ctx, opUndeclarePublisher, handleBody{Handle: pub.Handle}, nil); err != nil {
			d.logger.Warn("releasing transient publisher failed", "handle", pub.Handle, "error", err)
		}
	}()
	return d.call(ctx, opPublisherPut, putBody{Handle: pub.Handle, PayloadB64: b64, Encoding: encoding}, nil)
}

// OnStatus registers the transport status callback.
func (d *Driver) OnStatus(fn func(api.DriverStatus)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

// QueueDepth reports unsent outbound frames.
func (d *Driver) QueueDepth() int {
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	if sock == nil {
		return 0
	}
	return sock.QueueDepth()
}

var errAllUnknown = errors.New("no supported operation")

// firstKnown tries ops in order, skipping those the gateway reports unknown.
func (d *Driver) firstKnown(ctx context.Context, ops []string, body any, onReply func(*rpc.Response)) error {
	for _, op := range ops {
		err := d.callWithReply(ctx, op, body, nil, onReply)
		if rpc.IsUnknownOp(err) {
			d.logger.Debug("operation not supported, trying next", "op", op)
			continue
		}
		return err
	}
	return errAllUnknown
}

func (d *Driver) call(ctx context.Context, op string, body, out any) error {
	return d.callWithReply(ctx, op, body, out, nil)
}

func (d *Driver) callWithReply(ctx context.Context, op string, body, out any, onReply func(*rpc.Response)) error {
	d.mu.Lock()
	rc, sock := d.rpc, d.sock
	d.mu.Unlock()
	if rc == nil || sock == nil {
		return api.NewError(api.KindTransport, op, api.ErrNotConnected)
	}
	return rc.CallWithReply(ctx, op, body, out, onReply)
}

func (d *Driver) sendFrame(frame []byte) error {
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	if sock == nil {
		return api.ErrNotConnected
	}
	return sock.SendText(string(frame))
}

// onFrame runs on the wire reader goroutine.
func (d *Driver) onFrame(opcode byte, data []byte) {
	if opcode != protocol.OpcodeText {
		d.logger.Debug("ignoring binary frame", "size", len(data))
		return
	}
	dec, err := rpc.Decode(data)
	if err != nil {
		d.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	switch dec.Kind {
	case rpc.KindResponse:
		d.mu.Lock()
		rc := d.rpc
		d.mu.Unlock()
		if rc != nil {
			rc.Resolve(dec.Response)
		}
	case rpc.KindEvent:
		if dec.Event.Event == eventSample {
			d.deliver(dec.Event.Body)
		}
	default:
		d.logger.Debug("ignoring request from gateway", "op", dec.Request.Op)
	}
}

// deliver routes a sample event to its subscriber. The event body names
// the subscriber and carries the sample either nested or inline.
func (d *Driver) deliver(raw json.RawMessage) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		d.logger.Warn("dropping malformed sample", "error", err)
		return
	}
	route := ""
	for _, k := range []string{"subscriber", "subscriptionId", "handle", "id"} {
		if s, ok := body[k].(string); ok && s != "" {
			route = s
			break
		}
	}
	sample := body
	if nested, ok := body["sample"].(map[string]any); ok {
		sample = nested
	}

	d.mu.Lock()
	sub := d.subs[route]
	if sub == nil {
		if id, ok := d.handles[route]; ok {
			sub = d.subs[id]
		}
	}
	d.mu.Unlock()
	if sub == nil {
		d.logger.Debug("sample for unknown subscriber", "route", route)
		return
	}

	key, ok := extractTopic(sample)
	if !ok {
		key = sub.keyExpr
	}
	enc, _ := sample["encoding"].(string)
	sub.handler(api.Sample{
		Key:         key,
		Payload:     extractPayload(sample),
		TimestampMs: extractTimestamp(sample),
		Encoding:    enc,
	})
}

func (d *Driver) onError(err error) {
	d.mu.Lock()
	d.closeErr = err
	d.mu.Unlock()
}

// onClose reports transport loss unless the driver closed the socket.
func (d *Driver) onClose(code int, reason string) {
	d.mu.Lock()
	closing := d.closing
	cb := d.onStatus
	err := d.closeErr
	rc := d.rpc
	if !closing {
		d.sock = nil
	}
	d.mu.Unlock()

	if closing {
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: close %d %s", api.ErrClosed, code, reason)
	}
	if rc != nil {
		rc.Close(err)
	}
	d.logger.Warn("gateway connection lost", "code", code, "reason", reason, "error", err)
	if cb != nil {
		cb(api.DriverStatus{Connected: false, Err: err})
	}
}
