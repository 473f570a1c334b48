// File: internal/mockbus/broker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory broker speaking the detached driver protocol: newline-delimited
// JSON envelopes on a reader/writer pair, usually a child's stdio.

package mockbus

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/internal/rpc"
)

// Operations served by the broker.
const (
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpPause       = "pause"
)

// Events emitted by the broker.
const (
	EventMessage = "message"
	EventStatus  = "status"
)

// ProtocolVersion is reported in the connect response.
const ProtocolVersion = "1"

// maxLine bounds one inbound envelope.
const maxLine = 4 << 20

// ConnectBody is the body of a connect request.
type ConnectBody struct {
	Endpoint string         `json:"endpoint"`
	Options  map[string]any `json:"options,omitempty"`
}

// SubscribeBody is the body of subscribe, unsubscribe and pause requests.
type SubscribeBody struct {
	ID      string `json:"id"`
	KeyExpr string `json:"keyExpr,omitempty"`
	Paused  bool   `json:"paused,omitempty"`
}

// PublishBody is the body of a publish request.
type PublishBody struct {
	KeyExpr    string `json:"keyExpr"`
	PayloadB64 string `json:"payload_b64"`
	Encoding   string `json:"encoding,omitempty"`
}

// MessageEvent is the body of a message event.
type MessageEvent struct {
	SubscriptionID string `json:"subscriptionId"`
	Key            string `json:"key"`
	PayloadB64     string `json:"payload_b64"`
	Timestamp      int64  `json:"timestamp"`
	Encoding       string `json:"encoding,omitempty"`
}

// StatusEvent is the body of a status event.
type StatusEvent struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// CapabilitiesBody answers connect.
type CapabilitiesBody struct {
	Driver          string         `json:"driver"`
	ProtocolVersion string         `json:"protocolVersion"`
	Features        []string       `json:"features"`
	Info            map[string]any `json:"info,omitempty"`
}

type subscription struct {
	keyExpr string
	paused  bool
}

// Broker routes published payloads to matching subscriptions.
type Broker struct {
	logger *slog.Logger
	now    func() time.Time
	silent map[string]bool

	wmu sync.Mutex
	w   io.Writer

	mu        sync.Mutex
	connected bool
	subs      map[string]*subscription
	order     []string
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithSilentOps makes the broker process ops without ever answering them,
// the way some brokers never acknowledge removals.
func WithSilentOps(ops ...string) Option {
	return func(b *Broker) {
		for _, op := range ops {
			b.silent[op] = true
		}
	}
}

// New creates an idle broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger: slog.Default(),
		now:    time.Now,
		silent: make(map[string]bool),
		subs:   make(map[string]*subscription),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "mockbus")
	return b
}

// Serve reads requests from r and writes responses and events to w until r
// is exhausted or ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	b.wmu.Lock()
	b.w = w
	b.wmu.Unlock()

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64<<10), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if len(line) == 0 {
				continue
			}
			b.handleLine(line)
		}
	}
}

// Serve runs a fresh broker over r and w.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts ...Option) error {
	return New(opts...).Serve(ctx, r, w)
}

func (b *Broker) handleLine(line []byte) {
	d, err := rpc.Decode(line)
	if err != nil {
		b.logger.Warn("dropping malformed line", "error", err)
		return
	}
	if d.Kind != rpc.KindRequest {
		b.logger.Debug("ignoring non-request envelope", "kind", d.Kind)
		return
	}
	req := d.Request
	body, rerr := b.dispatch(req)
	if b.silent[req.Op] {
		b.logger.Debug("not acknowledging", "op", req.Op, "id", req.ID)
		return
	}
	out, err := rpc.EncodeResponse(req.ID, body, rerr)
	if err != nil {
		b.logger.Error("encoding response", "op", req.Op, "error", err)
		return
	}
	b.write(out)
}

func (b *Broker) dispatch(req *rpc.Request) (any, *rpc.ErrorBody) {
	switch req.Op {
	case OpConnect:
		var body ConnectBody
		if err := decodeBody(req.Body, &body); err != nil {
			return nil, err
		}
		return b.connect(body), nil
	case OpDisconnect:
		b.disconnect()
		return struct{}{}, nil
	case OpSubscribe:
		var body SubscribeBody
		if err := decodeBody(req.Body, &body); err != nil {
			return nil, err
		}
		return struct{}{}, b.subscribe(body)
	case OpUnsubscribe:
		var body SubscribeBody
		if err := decodeBody(req.Body, &body); err != nil {
			return nil, err
		}
		return struct{}{}, b.unsubscribe(body.ID)
	case OpPause:
		var body SubscribeBody
		if err := decodeBody(req.Body, &body); err != nil {
			return nil, err
		}
		return struct{}{}, b.pause(body.ID, body.Paused)
	case OpPublish:
		var body PublishBody
		if err := decodeBody(req.Body, &body); err != nil {
			return nil, err
		}
		return struct{}{}, b.publish(body)
	default:
		return nil, &rpc.ErrorBody{Code: rpc.CodeUnknownOp, Message: fmt.Sprintf("unknown operation %q", req.Op)}
	}
}

func decodeBody(raw json.RawMessage, v any) *rpc.ErrorBody {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: err.Error()}
	}
	return nil
}

func (b *Broker) connect(body ConnectBody) CapabilitiesBody {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.Info("session opened", "endpoint", body.Endpoint)
	return CapabilitiesBody{
		Driver:          "mockbus",
		ProtocolVersion: ProtocolVersion,
		Features:        []string{api.FeatureSubscribe, api.FeaturePublish, api.FeaturePause},
		Info:            map[string]any{"endpoint": body.Endpoint},
	}
}

func (b *Broker) disconnect() {
	b.mu.Lock()
	b.connected = false
	b.subs = make(map[string]*subscription)
	b.order = nil
	b.mu.Unlock()
	b.emit(EventStatus, StatusEvent{Connected: false})
}

func (b *Broker) subscribe(body SubscribeBody) *rpc.ErrorBody {
	if err := api.ValidateKeyExpr(body.KeyExpr); err != nil {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: err.Error()}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: api.ErrNotConnected.Error()}
	}
	if body.ID == "" {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: "subscription id required"}
	}
	if _, dup := b.subs[body.ID]; dup {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: fmt.Sprintf("subscription %q already exists", body.ID)}
	}
	b.subs[body.ID] = &subscription{keyExpr: body.KeyExpr}
	b.order = append(b.order, body.ID)
	return nil
}

func (b *Broker) unsubscribe(id string) *rpc.ErrorBody {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return &rpc.ErrorBody{Code: rpc.CodeNotFound, Message: fmt.Sprintf("subscription %q not found", id)}
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Broker) pause(id string, paused bool) *rpc.ErrorBody {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return &rpc.ErrorBody{Code: rpc.CodeNotFound, Message: fmt.Sprintf("subscription %q not found", id)}
	}
	s.paused = paused
	return nil
}

func (b *Broker) publish(body PublishBody) *rpc.ErrorBody {
	if err := api.ValidateKeyExpr(body.KeyExpr); err != nil {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: err.Error()}
	}
	if _, err := base64.StdEncoding.DecodeString(body.PayloadB64); err != nil {
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: "payload_b64: " + err.Error()}
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return &rpc.ErrorBody{Code: rpc.CodeBadRequest, Message: api.ErrNotConnected.Error()}
	}
	var targets []string
	for _, id := range b.order {
		s := b.subs[id]
		if !s.paused && api.KeyExprMatches(s.keyExpr, body.KeyExpr) {
			targets = append(targets, id)
		}
	}
	b.mu.Unlock()

	ts := b.now().UnixMilli()
	for _, id := range targets {
		b.emit(EventMessage, MessageEvent{
			SubscriptionID: id,
			Key:            body.KeyExpr,
			PayloadB64:     body.PayloadB64,
			Timestamp:      ts,
			Encoding:       body.Encoding,
		})
	}
	return nil
}

// Subscriptions lists live subscription ids, sorted.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Broker) emit(name string, body any) {
	out, err := rpc.EncodeEvent(name, body)
	if err != nil {
		b.logger.Error("encoding event", "event", name, "error", err)
		return
	}
	b.write(out)
}

var errNoWriter = errors.New("mockbus: not serving")

func (b *Broker) write(line []byte) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if b.w == nil {
		b.logger.Error("write", "error", errNoWriter)
		return
	}
	if _, err := b.w.Write(append(line, '\n')); err != nil {
		b.logger.Warn("write failed", "error", err)
	}
}
