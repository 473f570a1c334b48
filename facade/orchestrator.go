// File: facade/orchestrator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The Orchestrator owns one optional driver connection, the subscription
// store (each entry pairing a ring buffer with its own recent-keys index),
// the global recent-keys index and the classification pipeline. Inbound
// samples are classified, buffered, indexed and pushed to the Sink unless
// the subscription is paused.

// Package facade exposes the session orchestrator: the single entry point
// the presentation layer uses to connect, subscribe, inspect and publish.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/internal/normalize"
	"github.com/momentics/topicscope/internal/session"
	"github.com/momentics/topicscope/pool"
)

// DriverFactory builds a fresh driver for each Connect.
type DriverFactory func() (api.Driver, error)

// Config holds parameters immutable per orchestrator.
type Config struct {
	Factory DriverFactory
	Sink    Sink
	Logger  *slog.Logger
	Metrics *control.Metrics
	Debug   *control.DebugProbes

	// DecodeHook is consulted before the built-in classification.
	DecodeHook normalize.DecodeHook

	DefaultCapacity int // ring capacity when Subscribe gets <= 0
	RecentCapacity  int // global recent-keys bound
	SessionShards   int // shards for the subscription store
	// MaxQueueDepth refuses publishes while the driver reports a deeper
	// outbound queue. Zero disables the check.
	MaxQueueDepth int

	Clock func() time.Time
	NewID func() string
}

// DefaultConfig returns defaults; Factory must still be set.
func DefaultConfig() *Config {
	return &Config{
		DefaultCapacity: pool.DefaultRingCapacity,
		RecentCapacity:  session.DefaultRecentKeysCapacity,
		SessionShards:   16,
	}
}

// PublishParams describes one outbound publish.
type PublishParams struct {
	KeyExpr string `json:"keyExpr"`
	Payload string `json:"payload"`
	// Mode is json, base64 or text; empty means text.
	Mode string `json:"encoding"`
}

// Orchestrator is the session engine facade.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	sink   Sink

	// opMu serializes connect and disconnect against every other
	// operation; operations on different subscriptions share it.
	opMu sync.RWMutex

	// stateMu guards the fields below and is only held briefly, so driver
	// callbacks can take it while opMu is held for teardown.
	stateMu sync.Mutex
	driver  api.Driver
	caps    *api.Capabilities
	// lost is set while the driver reports its transport down.
	lost bool

	store  *session.Store
	global *session.RecentKeys
}

// New constructs an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Factory == nil {
		return nil, fmt.Errorf("facade: %w: driver factory required", api.ErrInvalidConfig)
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = pool.DefaultRingCapacity
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = session.DefaultRecentKeysCapacity
	}
	if c.SessionShards <= 0 {
		c.SessionShards = 16
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	o := &Orchestrator{
		cfg:    c,
		logger: c.Logger.With("component", "facade"),
		sink:   c.Sink,
		store:  session.NewStore(c.SessionShards),
		global: session.NewRecentKeys(c.RecentCapacity),
	}
	if o.sink == nil {
		o.sink = discardSink{}
	}
	if c.Debug != nil {
		c.Debug.RegisterProbe("facade.subscriptions", func() any { return o.store.Len() })
		c.Debug.RegisterProbe("facade.queue_depth", func() any { return o.queueDepth() })
		c.Debug.RegisterProbe("facade.capabilities", func() any { return o.Capabilities() })
		c.Debug.RegisterProbe("facade.recent_keys", func() any { return o.global.Len() })
	}
	return o, nil
}

// Connect replaces any current connection with a fresh driver connected to
// endpoint.
func (o *Orchestrator) Connect(ctx context.Context, endpoint string, cfg *control.ConnectConfig) (*api.Capabilities, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if o.currentDriver() != nil {
		o.disconnectLocked(ctx, false)
	}

	drv, err := o.cfg.Factory()
	if err != nil {
		return nil, o.connectFailed(err)
	}
	if sn, ok := drv.(api.StatusNotifier); ok {
		sn.OnStatus(func(st api.DriverStatus) { o.driverStatus(drv, st) })
	}
	caps, err := drv.Connect(ctx, endpoint, cfg)
	if err != nil {
		return nil, o.connectFailed(err)
	}

	o.stateMu.Lock()
	o.driver, o.caps, o.lost = drv, caps, false
	o.stateMu.Unlock()
	o.cfg.Metrics.ObserveConnect(nil)
	o.logger.Info("connected", "endpoint", endpoint, "driver", caps.Driver, "features", caps.Features)
	o.sink.PushStatus(api.Status{Connected: true, Capabilities: caps})
	return caps, nil
}

func (o *Orchestrator) connectFailed(err error) error {
	o.cfg.Metrics.ObserveConnect(err)
	o.logger.Error("connect failed", "error", err)
	o.sink.PushStatus(api.Status{Connected: false, Error: err.Error()})
	return err
}

// Disconnect unsubscribes everything, disconnects the driver and clears the
// global recent-keys index. Errors are logged, never returned.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.disconnectLocked(ctx, true)
	return nil
}

func (o *Orchestrator) disconnectLocked(ctx context.Context, push bool) {
	drv := o.currentDriver()
	for _, sub := range o.store.List() {
		if drv != nil {
			o.tolerate("unsubscribe", sub.ID, drv.Unsubscribe(ctx, sub.ID))
		}
		o.store.Delete(sub.ID)
	}
	if drv != nil {
		o.tolerate("disconnect", "", drv.Disconnect(ctx))
	}

	o.stateMu.Lock()
	o.driver, o.caps, o.lost = nil, nil, false
	o.stateMu.Unlock()
	o.global.Clear()
	o.cfg.Metrics.SetSubscriptions(0)
	if push {
		o.sink.PushStatus(api.Status{Connected: false})
	}
}

// tolerate logs teardown errors: benign timeouts at info, others at warn.
func (o *Orchestrator) tolerate(op, id string, err error) {
	switch {
	case err == nil:
	case api.IsBenignTimeout(err):
		o.logger.Info("expected timeout during teardown", "op", op, "id", id, "error", err)
	default:
		o.logger.Warn("teardown error ignored", "op", op, "id", id, "error", err)
	}
}

// Subscribe validates keyExpr, registers a subscription with its own ring
// and recency index, then asks the driver to subscribe. The registration
// is rolled back when the driver fails.
func (o *Orchestrator) Subscribe(ctx context.Context, keyExpr string, capacity int) (string, error) {
	if err := api.ValidateKeyExpr(keyExpr); err != nil {
		return "", err
	}
	o.opMu.RLock()
	defer o.opMu.RUnlock()

	drv := o.currentDriver()
	if drv == nil {
		return "", api.NewError(api.KindTransport, "subscribe", api.ErrNotConnected)
	}
	if capacity <= 0 {
		capacity = o.cfg.DefaultCapacity
	}
	sub := session.NewSubscription(o.cfg.NewID(), keyExpr, capacity)
	if err := o.store.Add(sub); err != nil {
		return "", err
	}
	if err := drv.Subscribe(ctx, sub.ID, keyExpr, o.inbound(sub)); err != nil {
		o.store.Delete(sub.ID)
		return "", err
	}
	o.cfg.Metrics.SetSubscriptions(o.store.Len())
	o.logger.Debug("subscribed", "id", sub.ID, "key_expr", keyExpr, "capacity", capacity)
	return sub.ID, nil
}

// Unsubscribe removes id. Unknown ids are a no-op. The local registration
// is removed whatever the driver answers; benign timeouts are swallowed.
func (o *Orchestrator) Unsubscribe(ctx context.Context, id string) (err error) {
	o.opMu.RLock()
	defer o.opMu.RUnlock()

	if _, ok := o.store.Get(id); !ok {
		return nil
	}
	defer func() {
		o.store.Delete(id)
		o.cfg.Metrics.SetSubscriptions(o.store.Len())
	}()

	drv := o.currentDriver()
	if drv == nil {
		return nil
	}
	err = drv.Unsubscribe(ctx, id)
	if api.IsBenignTimeout(err) {
		o.logger.Info("unsubscribe timed out, removing locally", "id", id, "error", err)
		return nil
	}
	return err
}

// Pause flips the paused flag and forwards it to drivers that can pause
// remotely. A paused subscription keeps buffering but pushes nothing.
func (o *Orchestrator) Pause(ctx context.Context, id string, paused bool) error {
	o.opMu.RLock()
	defer o.opMu.RUnlock()

	sub, ok := o.store.Get(id)
	if !ok {
		return nil
	}
	sub.SetPaused(paused)
	if p, ok := o.currentDriver().(api.Pauser); ok {
		return p.Pause(ctx, id, paused)
	}
	return nil
}

// ClearBuffer empties the ring of id; its recent-keys index is kept.
func (o *Orchestrator) ClearBuffer(id string) {
	if sub, ok := o.store.Get(id); ok {
		sub.Buffer.Clear()
	}
}

// Publish encodes p.Payload according to p.Mode and hands it to the driver.
func (o *Orchestrator) Publish(ctx context.Context, p PublishParams) error {
	if err := api.ValidateKeyExpr(p.KeyExpr); err != nil {
		return err
	}
	mode, err := normalize.ParseMode(p.Mode)
	if err != nil {
		return err
	}
	payload, hint, err := normalize.Encode(mode, p.Payload)
	if err != nil {
		return err
	}

	o.opMu.RLock()
	defer o.opMu.RUnlock()
	drv := o.currentDriver()
	if drv == nil {
		return api.NewError(api.KindTransport, "publish", api.ErrNotConnected)
	}
	if o.cfg.MaxQueueDepth > 0 {
		if depth := o.queueDepth(); depth > o.cfg.MaxQueueDepth {
			err := api.NewError(api.KindTransport, "publish",
				fmt.Errorf("%w: %d frames pending", api.ErrBackpressure, depth))
			o.cfg.Metrics.ObservePublish(hint, err)
			return err
		}
	}
	err = drv.Publish(ctx, p.KeyExpr, payload, hint)
	o.cfg.Metrics.ObservePublish(hint, err)
	o.cfg.Metrics.SetQueueDepth(o.queueDepth())
	return err
}

// RecentKeys lists recency stats for subID, or the global index when subID
// is empty. Unknown ids yield nil.
func (o *Orchestrator) RecentKeys(subID, filter string) []api.RecentKeyStat {
	if subID == "" {
		return o.global.List(filter)
	}
	sub, ok := o.store.Get(subID)
	if !ok {
		return nil
	}
	return sub.Recent.List(filter)
}

// Messages returns the buffered messages of subID, oldest first.
func (o *Orchestrator) Messages(subID string) []api.Message {
	sub, ok := o.store.Get(subID)
	if !ok {
		return nil
	}
	return sub.Buffer.Snapshot()
}

// Subscriptions lists live subscriptions in registration order.
func (o *Orchestrator) Subscriptions() []session.Info {
	subs := o.store.List()
	out := make([]session.Info, len(subs))
	for i, s := range subs {
		out[i] = s.Info()
	}
	return out
}

// Capabilities returns what the current connection negotiated, or nil
// while disconnected.
func (o *Orchestrator) Capabilities() *api.Capabilities {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.lost {
		return nil
	}
	return o.caps
}

// Connected reports whether a driver connection is active and its
// transport is up.
func (o *Orchestrator) Connected() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.driver != nil && !o.lost
}

func (o *Orchestrator) currentDriver() api.Driver {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.driver
}

func (o *Orchestrator) queueDepth() int {
	if qd, ok := o.currentDriver().(api.QueueDepther); ok {
		return qd.QueueDepth()
	}
	return 0
}

// inbound builds the sample handler for sub. It runs on the driver's
// delivery goroutine and never takes opMu.
func (o *Orchestrator) inbound(sub *session.Subscription) api.SampleHandler {
	return func(s api.Sample) {
		if cur, ok := o.store.Get(sub.ID); !ok || cur != sub {
			return
		}
		ts := s.TimestampMs
		if ts == 0 {
			ts = o.cfg.Clock().UnixMilli()
		}
		res := normalize.ClassifyWith(s.Key, s.Payload, o.cfg.DecodeHook)
		msg := api.Message{
			ID:             o.cfg.NewID(),
			Timestamp:      ts,
			Key:            s.Key,
			SizeBytes:      len(s.Payload),
			Classification: res.Classification,
			JSON:           res.JSON,
			Text:           res.Text,
			RawBase64:      res.RawBase64,
		}
		sub.Buffer.Push(msg)
		sub.Recent.Update(s.Key, msg.SizeBytes, ts)
		o.global.Update(s.Key, msg.SizeBytes, ts)
		o.cfg.Metrics.ObserveMessage(string(res.Classification), msg.SizeBytes)
		if !sub.Paused() {
			o.sink.PushMessage(sub.ID, msg)
		}
	}
}

// driverStatus forwards transport changes of the current driver.
func (o *Orchestrator) driverStatus(drv api.Driver, st api.DriverStatus) {
	o.stateMu.Lock()
	current := o.driver == drv
	caps := o.caps
	if current {
		o.lost = !st.Connected
	}
	o.stateMu.Unlock()
	if !current {
		return
	}
	if st.Connected {
		o.logger.Info("driver reconnected")
		o.sink.PushStatus(api.Status{Connected: true, Capabilities: caps})
		return
	}
	msg := ""
	if st.Err != nil {
		msg = st.Err.Error()
	}
	o.logger.Warn("driver reported disconnect", "error", st.Err)
	o.sink.PushStatus(api.Status{Connected: false, Error: msg})
}
