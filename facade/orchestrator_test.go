package facade_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/facade"
)

// fakeDriver records calls and lets tests deliver samples directly.
type fakeDriver struct {
	mu        sync.Mutex
	calls     []string
	handlers  map[string]api.SampleHandler
	published [][]byte
	hints     []string
	paused    map[string]bool
	status    func(api.DriverStatus)
	depth     int

	connectErr     error
	subscribeErr   error
	unsubscribeErr error
	disconnectErr  error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{handlers: make(map[string]api.SampleHandler), paused: make(map[string]bool)}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDriver) Connect(ctx context.Context, endpoint string, cfg *control.ConnectConfig) (*api.Capabilities, error) {
	f.record("connect " + endpoint)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &api.Capabilities{Driver: "fake", Features: []string{api.FeatureSubscribe, api.FeaturePublish, api.FeaturePause}}, nil
}

func (f *fakeDriver) Disconnect(ctx context.Context) error {
	f.record("disconnect")
	return f.disconnectErr
}

func (f *fakeDriver) Subscribe(ctx context.Context, id, keyExpr string, h api.SampleHandler) error {
	f.record("subscribe " + keyExpr)
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	f.handlers[id] = h
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Unsubscribe(ctx context.Context, id string) error {
	f.record("unsubscribe")
	f.mu.Lock()
	delete(f.handlers, id)
	f.mu.Unlock()
	return f.unsubscribeErr
}

func (f *fakeDriver) Publish(ctx context.Context, keyExpr string, payload []byte, encoding string) error {
	f.record("publish " + keyExpr)
	f.mu.Lock()
	f.published = append(f.published, payload)
	f.hints = append(f.hints, encoding)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Pause(ctx context.Context, id string, paused bool) error {
	f.mu.Lock()
	f.paused[id] = paused
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) OnStatus(fn func(api.DriverStatus)) { f.status = fn }

func (f *fakeDriver) QueueDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth
}

func (f *fakeDriver) deliver(t *testing.T, id string, s api.Sample) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[id]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", id)
	h(s)
}

func (f *fakeDriver) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	orch   *facade.Orchestrator
	driver *fakeDriver
	sink   *facade.ChannelSink
	m      *control.Metrics
	probes *control.DebugProbes
}

func newHarness(t *testing.T, tweak func(*facade.Config)) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := control.NewMetrics(reg)
	require.NoError(t, err)

	h := &harness{driver: newFakeDriver(), m: m, probes: control.NewDebugProbes()}
	h.sink = facade.NewChannelSink(64, m)
	ids := 0
	cfg := facade.DefaultConfig()
	cfg.Factory = func() (api.Driver, error) { return h.driver, nil }
	cfg.Sink = h.sink
	cfg.Metrics = m
	cfg.Debug = h.probes
	cfg.Clock = func() time.Time { return time.UnixMilli(5000) }
	cfg.NewID = func() string { ids++; return fmt.Sprintf("id-%d", ids) }
	if tweak != nil {
		tweak(cfg)
	}
	h.orch, err = facade.New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	_, err := h.orch.Connect(context.Background(), "fake://broker", nil)
	require.NoError(t, err)
	st := <-h.sink.Status
	require.True(t, st.Connected)
}

func TestConnectPushesStatus(t *testing.T) {
	h := newHarness(t, nil)
	caps, err := h.orch.Connect(context.Background(), "fake://broker", nil)
	require.NoError(t, err)
	assert.Equal(t, "fake", caps.Driver)
	assert.Equal(t, caps, h.orch.Capabilities())
	assert.True(t, h.orch.Connected())

	st := <-h.sink.Status
	assert.True(t, st.Connected)
	assert.Equal(t, caps, st.Capabilities)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Connects.WithLabelValues("ok")))
}

func TestConnectFailurePushesErrorStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.connectErr = errors.New("dial tcp: connection refused")
	_, err := h.orch.Connect(context.Background(), "fake://broker", nil)
	require.EqualError(t, err, "dial tcp: connection refused")

	st := <-h.sink.Status
	assert.False(t, st.Connected)
	assert.Equal(t, "dial tcp: connection refused", st.Error)
	assert.False(t, h.orch.Connected())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Connects.WithLabelValues("error")))
}

func TestRingKeepsLastMessagesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	id, err := h.orch.Subscribe(context.Background(), "demo/**", 3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		h.driver.deliver(t, id, api.Sample{Key: "demo/k", Payload: []byte(fmt.Sprintf("m%d", i)), TimestampMs: int64(i)})
	}
	msgs := h.orch.Messages(id)
	require.Len(t, msgs, 3)
	var texts []string
	for _, m := range msgs {
		texts = append(texts, *m.Text)
	}
	assert.Equal(t, []string{"m3", "m4", "m5"}, texts)
	assert.Len(t, h.sink.Messages, 5, "every message pushed while not paused")
	assert.Equal(t, 5.0, testutil.ToFloat64(h.m.MessagesReceived.WithLabelValues(string(api.ClassText))))
}

func TestInboundMessageShape(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	id, err := h.orch.Subscribe(context.Background(), "demo/*", 0)
	require.NoError(t, err)

	h.driver.deliver(t, id, api.Sample{Key: "demo/json", Payload: []byte(`{"a":1}`)})
	ev := <-h.sink.Messages
	want := api.Message{
		ID:             "id-2",
		Timestamp:      5000,
		Key:            "demo/json",
		SizeBytes:      7,
		Classification: api.ClassJSON,
		JSON:           json.RawMessage(`{"a":1}`),
		RawBase64:      "eyJhIjoxfQ==",
	}
	assert.Equal(t, id, ev.SubscriptionID)
	if diff := cmp.Diff(want, ev.Message); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	infos := h.orch.Subscriptions()
	require.Len(t, infos, 1)
	assert.Equal(t, 200, infos[0].Capacity, "default capacity")
	assert.Equal(t, 1, infos[0].Buffered)
}

func TestPausedSubscriptionBuffersWithoutPushing(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	id, err := h.orch.Subscribe(context.Background(), "a/*", 10)
	require.NoError(t, err)

	require.NoError(t, h.orch.Pause(context.Background(), id, true))
	assert.True(t, h.driver.paused[id], "forwarded to a pausing driver")
	h.driver.deliver(t, id, api.Sample{Key: "a/b", Payload: []byte("x")})
	assert.Len(t, h.sink.Messages, 0)
	assert.Len(t, h.orch.Messages(id), 1)
	assert.Len(t, h.orch.RecentKeys(id, ""), 1)

	require.NoError(t, h.orch.Pause(context.Background(), id, false))
	h.driver.deliver(t, id, api.Sample{Key: "a/b", Payload: []byte("y")})
	assert.Len(t, h.sink.Messages, 1)

	assert.NoError(t, h.orch.Pause(context.Background(), "unknown", true))
}

func TestRecentKeysLocalAndGlobal(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	a, _ := h.orch.Subscribe(context.Background(), "x/**", 0)
	b, _ := h.orch.Subscribe(context.Background(), "y/**", 0)

	h.driver.deliver(t, a, api.Sample{Key: "x/Temp", Payload: []byte("1"), TimestampMs: 10})
	h.driver.deliver(t, a, api.Sample{Key: "x/temp", Payload: []byte("22"), TimestampMs: 30})
	h.driver.deliver(t, b, api.Sample{Key: "y/hum", Payload: []byte("333"), TimestampMs: 20})

	local := h.orch.RecentKeys(a, "")
	require.Len(t, local, 2)
	assert.Equal(t, "x/temp", local[0].Key)

	global := h.orch.RecentKeys("", "")
	require.Len(t, global, 3)
	assert.Equal(t, []string{"x/temp", "y/hum", "x/Temp"}, []string{global[0].Key, global[1].Key, global[2].Key})

	filtered := h.orch.RecentKeys("", "TEMP")
	assert.Len(t, filtered, 2)
	assert.Nil(t, h.orch.RecentKeys("nope", ""))

	h.orch.ClearBuffer(a)
	assert.Empty(t, h.orch.Messages(a))
	assert.Len(t, h.orch.RecentKeys(a, ""), 2, "clearing the buffer keeps the index")
}

func TestSubscribeValidationAndRollback(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Subscribe(context.Background(), "a/b", 0)
	assert.ErrorIs(t, err, api.ErrNotConnected)

	h.connect(t)
	_, err = h.orch.Subscribe(context.Background(), "a/b*c", 0)
	assert.ErrorIs(t, err, api.ErrInvalidKeyExpr)
	assert.Equal(t, api.KindValidation, api.KindOf(err))
	assert.NotContains(t, h.driver.callLog(), "subscribe a/b*c", "rejected before the driver")

	h.driver.subscribeErr = errors.New("declare failed")
	_, err = h.orch.Subscribe(context.Background(), "a/b", 0)
	assert.EqualError(t, err, "declare failed")
	assert.Empty(t, h.orch.Subscriptions(), "registration rolled back")
}

func TestUnsubscribeAlwaysRemovesLocally(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	id, _ := h.orch.Subscribe(context.Background(), "a", 0)
	h.driver.unsubscribeErr = fmt.Errorf("undeclare: %w", api.ErrRequestTimeout)
	assert.NoError(t, h.orch.Unsubscribe(context.Background(), id), "benign timeout swallowed")
	assert.Empty(t, h.orch.Subscriptions())

	id, _ = h.orch.Subscribe(context.Background(), "a", 0)
	h.driver.unsubscribeErr = errors.New("gateway exploded")
	assert.EqualError(t, h.orch.Unsubscribe(context.Background(), id), "gateway exploded")
	assert.Empty(t, h.orch.Subscriptions(), "removed despite the error")

	assert.NoError(t, h.orch.Unsubscribe(context.Background(), "unknown"))
}

func TestPublishEncodesPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "demo/x", Payload: "aGVsbG8=", Mode: "base64"}))
	require.NoError(t, h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "demo/x", Payload: ` { "b" : [1, 2] } `, Mode: "json"}))
	require.NoError(t, h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "demo/x", Payload: "  raw  "}))

	assert.Equal(t, [][]byte{[]byte("hello"), []byte(`{"b":[1,2]}`), []byte("  raw  ")}, h.driver.published)
	assert.Equal(t, []string{api.EncodingBinary, api.EncodingJSON, api.EncodingText}, h.driver.hints)

	err := h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "demo/x", Payload: "{nope", Mode: "json"})
	assert.ErrorIs(t, err, api.ErrInvalidPayload)
	err = h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "demo/x", Payload: "@@", Mode: "base64"})
	assert.ErrorIs(t, err, api.ErrInvalidPayload)
	err = h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "a\\b", Payload: "x"})
	assert.ErrorIs(t, err, api.ErrInvalidKeyExpr)
	assert.Len(t, h.driver.published, 3, "invalid publishes never reach the driver")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Published.WithLabelValues(api.EncodingJSON, "ok")))
}

func TestPublishBackpressure(t *testing.T) {
	h := newHarness(t, func(c *facade.Config) { c.MaxQueueDepth = 2 })
	h.connect(t)
	h.driver.depth = 3
	err := h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "a", Payload: "x"})
	assert.ErrorIs(t, err, api.ErrBackpressure)

	h.driver.depth = 2
	assert.NoError(t, h.orch.Publish(context.Background(), facade.PublishParams{KeyExpr: "a", Payload: "x"}))
}

func TestDisconnectTearsDownEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	id, _ := h.orch.Subscribe(context.Background(), "a", 0)
	_, _ = h.orch.Subscribe(context.Background(), "b", 0)
	h.driver.deliver(t, id, api.Sample{Key: "a", Payload: []byte("x")})

	h.driver.unsubscribeErr = errors.New("late failure")
	h.driver.disconnectErr = fmt.Errorf("close: %s", api.BenignTimeoutText)
	require.NoError(t, h.orch.Disconnect(context.Background()))

	assert.Equal(t, []string{"connect fake://broker", "subscribe a", "subscribe b", "unsubscribe", "unsubscribe", "disconnect"}, h.driver.callLog())
	assert.Empty(t, h.orch.Subscriptions())
	assert.Empty(t, h.orch.RecentKeys("", ""))
	assert.Nil(t, h.orch.Capabilities())

	var last api.Status
	for len(h.sink.Status) > 0 {
		last = <-h.sink.Status
	}
	assert.False(t, last.Connected)
	assert.Empty(t, last.Error)
}

func TestReconnectReplacesDriver(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	_, _ = h.orch.Subscribe(context.Background(), "a", 0)
	h.connect(t)
	assert.Equal(t, []string{"connect fake://broker", "subscribe a", "unsubscribe", "disconnect", "connect fake://broker"}, h.driver.callLog())
	assert.Empty(t, h.orch.Subscriptions())
}

func TestDriverStatusIsForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.driver.status(api.DriverStatus{Connected: false, Err: errors.New("connection reset")})
	st := <-h.sink.Status
	assert.False(t, st.Connected)
	assert.Equal(t, "connection reset", st.Error)
}

func TestQueriesFollowReportedTransportLoss(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.driver.status(api.DriverStatus{Connected: false, Err: errors.New("connection reset")})
	<-h.sink.Status
	assert.False(t, h.orch.Connected())
	assert.Nil(t, h.orch.Capabilities())

	h.driver.status(api.DriverStatus{Connected: true})
	st := <-h.sink.Status
	assert.True(t, st.Connected)
	assert.True(t, h.orch.Connected())
	require.NotNil(t, h.orch.Capabilities())
	assert.Equal(t, "fake", h.orch.Capabilities().Driver)
	assert.Equal(t, "fake", st.Capabilities.Driver)

	h.driver.status(api.DriverStatus{Connected: false})
	<-h.sink.Status
	require.NoError(t, h.orch.Disconnect(context.Background()))
	_, err := h.orch.Connect(context.Background(), "fake://broker", nil)
	require.NoError(t, err)
	assert.True(t, h.orch.Connected(), "a fresh connection clears the loss")
}

func TestDebugProbes(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	_, _ = h.orch.Subscribe(context.Background(), "a", 0)
	h.driver.depth = 4
	state := h.probes.DumpState()
	assert.Equal(t, 1, state["facade.subscriptions"])
	assert.Equal(t, 4, state["facade.queue_depth"])
}

func TestChannelSinkCountsDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := control.NewMetrics(reg)
	require.NoError(t, err)
	s := facade.NewChannelSink(1, m)
	s.PushMessage("a", api.Message{})
	s.PushMessage("a", api.Message{})
	s.PushStatus(api.Status{})
	s.PushStatus(api.Status{})
	assert.Equal(t, int64(2), s.Dropped())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped))
}

func TestNewRequiresFactory(t *testing.T) {
	_, err := facade.New(nil)
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestDecodeHook(t *testing.T) {
	h := newHarness(t, func(c *facade.Config) {
		c.DecodeHook = func(key string, payload []byte) (json.RawMessage, bool) {
			if key != "proto/x" {
				return nil, false
			}
			return json.RawMessage(`{"decoded":true}`), true
		}
	})
	h.connect(t)
	id, _ := h.orch.Subscribe(context.Background(), "proto/*", 0)
	h.driver.deliver(t, id, api.Sample{Key: "proto/x", Payload: []byte{0x08, 0x96, 0x01}})
	msg := (<-h.sink.Messages).Message
	assert.Equal(t, api.ClassJSON, msg.Classification)
	assert.JSONEq(t, `{"decoded":true}`, string(msg.JSON))
}
