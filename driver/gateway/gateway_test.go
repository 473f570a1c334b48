package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/client"
	"github.com/momentics/topicscope/control"
	"github.com/momentics/topicscope/driver/gateway"
	"github.com/momentics/topicscope/internal/rpc"
)

type opFunc func(body json.RawMessage) (any, *rpc.ErrorBody)

// fakeGateway is a gorilla-backed gateway that answers the ops it knows
// and reports every other op as unknown.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server
	ops map[string]opFunc
	// after runs on the connection goroutine once an op has been answered.
	after map[string]func()

	mu       sync.Mutex
	conn     *websocket.Conn
	seen     []string
	bodies   map[string]json.RawMessage
	upgrades []http.Header
}

func newFakeGateway(t *testing.T, ops map[string]opFunc) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, ops: ops, bodies: make(map[string]json.RawMessage)}
	if _, ok := g.ops["open_session"]; !ok {
		g.ops["open_session"] = func(json.RawMessage) (any, *rpc.ErrorBody) {
			return map[string]any{
				"protocolVersion": "0.4",
				"gatewayVersion":  "1.2.0",
				"features":        []string{"subscribe", "publish"},
			}, nil
		}
	}
	up := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = c
		g.upgrades = append(g.upgrades, r.Header.Clone())
		g.mu.Unlock()
		defer c.Close()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			g.handle(c, data)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string { return "ws" + strings.TrimPrefix(g.srv.URL, "http") }

func (g *fakeGateway) handle(c *websocket.Conn, data []byte) {
	d, err := rpc.Decode(data)
	if err != nil || d.Kind != rpc.KindRequest {
		return
	}
	g.mu.Lock()
	g.seen = append(g.seen, d.Request.Op)
	g.bodies[d.Request.Op] = d.Request.Body
	fn, ok := g.ops[d.Request.Op]
	g.mu.Unlock()

	if !ok {
		g.reply(c, d.Request.ID, nil, &rpc.ErrorBody{Code: rpc.CodeUnknownOp, Message: "unknown op " + d.Request.Op})
		return
	}
	if fn == nil {
		return // never acknowledged
	}
	body, rerr := fn(d.Request.Body)
	g.reply(c, d.Request.ID, body, rerr)
	if next := g.after[d.Request.Op]; next != nil {
		next()
	}
}

func (g *fakeGateway) reply(c *websocket.Conn, id string, body any, rerr *rpc.ErrorBody) {
	out, err := rpc.EncodeResponse(id, body, rerr)
	require.NoError(g.t, err)
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, out)
}

func (g *fakeGateway) push(name string, body any) {
	out, err := rpc.EncodeEvent(name, body)
	require.NoError(g.t, err)
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotNil(g.t, g.conn)
	require.NoError(g.t, g.conn.WriteMessage(websocket.TextMessage, out))
}

func (g *fakeGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

func (g *fakeGateway) body(op string) json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bodies[op]
}

func ack(json.RawMessage) (any, *rpc.ErrorBody) { return struct{}{}, nil }

func connect(t *testing.T, g *fakeGateway, cfg *control.ConnectConfig) (*gateway.Driver, *api.Capabilities) {
	t.Helper()
	d := gateway.New(gateway.Options{})
	caps, err := d.Connect(context.Background(), g.url(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })
	return d, caps
}

func TestConnectNegotiatesCapabilities(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{})
	cfg := &control.ConnectConfig{
		Options: map[string]any{"mode": "client"},
		Auth:    &control.Auth{Mode: control.AuthBearer, Token: "s3cret"},
	}
	_, caps := connect(t, g, cfg)

	assert.Equal(t, gateway.DriverName, caps.Driver)
	assert.Equal(t, "0.4", caps.ProtocolVersion)
	assert.Equal(t, "1.2.0", caps.GatewayVersion)
	assert.True(t, caps.Has(api.FeatureSubscribe))

	var opts map[string]any
	require.NoError(t, json.Unmarshal(g.body("open_session"), &opts))
	assert.Equal(t, "client", opts["mode"])
	assert.Equal(t, g.url(), opts[control.OptLocator])
	assert.EqualValues(t, control.DefaultResponseTimeoutMs, opts[control.OptResponseTimeout])
	assert.Equal(t, "Bearer s3cret", g.upgrades[0].Get("Authorization"))
}

func TestSubscribeFallsBackAndDeliversSamples(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"subscribe": func(json.RawMessage) (any, *rpc.ErrorBody) {
			return map[string]string{"handle": "h-7"}, nil
		},
	})
	d, _ := connect(t, g, nil)

	samples := make(chan api.Sample, 4)
	require.NoError(t, d.Subscribe(context.Background(), "sub-1", "demo/**", func(s api.Sample) { samples <- s }))
	assert.Equal(t, []string{"open_session", "declare_subscriber", "subscribe"}, g.calls())

	g.push("sample", map[string]any{
		"subscriber": "h-7",
		"sample": map[string]any{
			"key_expr":  "demo/a",
			"payload":   []int{104, 105},
			"timestamp": "2024-01-02T03:04:05Z",
		},
	})
	g.push("sample", map[string]any{
		"subscriptionId": "sub-1",
		"key":            "demo/b",
		"payload_b64":    base64.StdEncoding.EncodeToString([]byte("yo")),
		"timestamp":      map[string]any{"ms": 1700000000123},
	})

	s := receive(t, samples)
	assert.Equal(t, "demo/a", s.Key)
	assert.Equal(t, []byte("hi"), s.Payload)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(), s.TimestampMs)

	s = receive(t, samples)
	assert.Equal(t, "demo/b", s.Key)
	assert.Equal(t, []byte("yo"), s.Payload)
	assert.Equal(t, int64(1700000000123), s.TimestampMs)
}

func TestSamplesRightAfterDeclareAreDelivered(t *testing.T) {
	const n = 50
	g := newFakeGateway(t, map[string]opFunc{
		"declare_subscriber": func(json.RawMessage) (any, *rpc.ErrorBody) {
			return map[string]string{"handle": "h-1"}, nil
		},
	})
	// Samples follow the acknowledgement on the wire with no gap.
	g.after = map[string]func(){
		"declare_subscriber": func() {
			for i := 0; i < n; i++ {
				route := "subscriber"
				val := "h-1"
				if i%2 == 1 {
					route, val = "subscriptionId", "sub-1"
				}
				g.push("sample", map[string]any{
					route:         val,
					"key":         fmt.Sprintf("demo/%d", i),
					"payload_b64": base64.StdEncoding.EncodeToString([]byte("x")),
				})
			}
		},
	}
	d, _ := connect(t, g, nil)

	samples := make(chan api.Sample, n)
	require.NoError(t, d.Subscribe(context.Background(), "sub-1", "demo/**", func(s api.Sample) { samples <- s }))
	assert.Equal(t, []string{"open_session", "declare_subscriber"}, g.calls())

	for i := 0; i < n; i++ {
		s := receive(t, samples)
		assert.Equal(t, fmt.Sprintf("demo/%d", i), s.Key)
	}
}

func TestFailedSubscribeReleasesRegistration(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"declare_subscriber": func(json.RawMessage) (any, *rpc.ErrorBody) {
			return nil, &rpc.ErrorBody{Code: "denied", Message: "not allowed"}
		},
	})
	d, _ := connect(t, g, nil)

	err := d.Subscribe(context.Background(), "sub-1", "demo/**", func(api.Sample) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, api.ErrUnsupported)

	g.mu.Lock()
	g.ops["declare_subscriber"] = ack
	g.mu.Unlock()
	assert.NoError(t, d.Subscribe(context.Background(), "sub-1", "demo/**", func(api.Sample) {}),
		"id is free again after a rejected declare")
}

func receive(t *testing.T, ch <-chan api.Sample) api.Sample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no sample delivered")
		return api.Sample{}
	}
}

func TestSubscribeWithoutSupportIsCapabilityError(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{})
	d, _ := connect(t, g, nil)
	err := d.Subscribe(context.Background(), "s", "a/b", func(api.Sample) {})
	assert.ErrorIs(t, err, api.ErrUnsupported)
	assert.Equal(t, api.KindCapability, api.KindOf(err))
	assert.Contains(t, err.Error(), "subscribe")
}

func TestUnsubscribeToleratesUnacknowledgedRemoval(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"declare_subscriber":   ack,
		"undeclare_subscriber": nil, // gateway never answers
	})
	d, _ := connect(t, g, &control.ConnectConfig{
		Options: map[string]any{control.OptResponseTimeout: 100},
	})
	require.NoError(t, d.Subscribe(context.Background(), "s1", "a/*", func(api.Sample) {}))

	start := time.Now()
	assert.NoError(t, d.Unsubscribe(context.Background(), "s1"))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NoError(t, d.Unsubscribe(context.Background(), "s1"), "unknown id is a no-op")
}

func TestUnsubscribeFallsBackThroughCloseOps(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"declare_subscriber": ack,
		"close":              ack,
	})
	d, _ := connect(t, g, nil)
	require.NoError(t, d.Subscribe(context.Background(), "s1", "a", func(api.Sample) {}))
	require.NoError(t, d.Unsubscribe(context.Background(), "s1"))
	assert.Equal(t, []string{"open_session", "declare_subscriber", "undeclare_subscriber", "unsubscribe", "close"}, g.calls())
}

func TestPublishPrefersPut(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{"put": ack})
	d, _ := connect(t, g, nil)
	require.NoError(t, d.Publish(context.Background(), "demo/x", []byte("hello"), api.EncodingText))

	var body map[string]string
	require.NoError(t, json.Unmarshal(g.body("put"), &body))
	assert.Equal(t, "demo/x", body["key_expr"])
	assert.Equal(t, "aGVsbG8=", body["payload_b64"])
	assert.Equal(t, api.EncodingText, body["encoding"])
}

func TestPublishFallsBackToTransientPublisher(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"declare_publisher": func(json.RawMessage) (any, *rpc.ErrorBody) {
			return map[string]string{"handle": "p-1"}, nil
		},
		"publisher_put":       ack,
		"undeclare_publisher": ack,
	})
	d, _ := connect(t, g, nil)
	require.NoError(t, d.Publish(context.Background(), "demo/x", []byte{0x01}, api.EncodingBinary))
	assert.Equal(t, []string{"open_session", "put", "declare_publisher", "publisher_put", "undeclare_publisher"}, g.calls())
	assert.JSONEq(t, `{"handle":"p-1"}`, string(g.body("undeclare_publisher")))
}

func TestPublishWithoutSupportIsCapabilityError(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{})
	d, _ := connect(t, g, nil)
	err := d.Publish(context.Background(), "demo/x", nil, api.EncodingText)
	assert.ErrorIs(t, err, api.ErrUnsupported)
	assert.Contains(t, err.Error(), "publish")
}

func TestRemoteErrorTextIsPropagated(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"put": func(json.RawMessage) (any, *rpc.ErrorBody) {
			return nil, &rpc.ErrorBody{Code: "denied", Message: "key expression not allowed by ACL"}
		},
	})
	d, _ := connect(t, g, nil)
	err := d.Publish(context.Background(), "demo/x", []byte("a"), api.EncodingText)
	require.Error(t, err)
	assert.Equal(t, "key expression not allowed by ACL", err.Error())
}

func TestConnectFailureHints(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		hint   string
	}{
		{"plain http", http.StatusOK, "<html><body>welcome</body></html>", "ordinary HTTP response"},
		{"invalid path", http.StatusBadRequest, "Invalid path", "rejected the request path"},
		{"other", http.StatusForbidden, "nope", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()
			endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

			_, err := gateway.New(gateway.Options{}).Connect(context.Background(), endpoint, nil)
			require.Error(t, err)
			var ce *gateway.ConnectError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), endpoint)
			assert.Contains(t, err.Error(), "10000")
			assert.Contains(t, err.Error(), tc.body, "underlying diagnostic kept")
			if tc.hint == "" {
				assert.Empty(t, ce.Hint)
			} else {
				assert.Contains(t, ce.Hint, tc.hint)
			}
		})
	}
}

func TestSocketFactoryIsInjected(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{})
	var dialed []string
	d := gateway.New(gateway.Options{
		Socket: func(ctx context.Context, cfg client.Config, h client.Handler) (gateway.Socket, error) {
			dialed = append(dialed, cfg.URL)
			return gateway.DialSocket(ctx, cfg, h)
		},
	})
	_, err := d.Connect(context.Background(), "ignored", &control.ConnectConfig{
		Options: map[string]any{control.OptLocator: g.url()},
	})
	require.NoError(t, err)
	defer d.Disconnect(context.Background())
	assert.Equal(t, []string{g.url()}, dialed, "locator overrides the endpoint")
}

func TestTransportLossIsReported(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{})
	d, _ := connect(t, g, nil)
	status := make(chan api.DriverStatus, 1)
	d.OnStatus(func(s api.DriverStatus) { status <- s })

	g.mu.Lock()
	_ = g.conn.UnderlyingConn().Close()
	g.mu.Unlock()

	select {
	case s := <-status:
		assert.False(t, s.Connected)
		assert.Error(t, s.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport loss not reported")
	}
	assert.Equal(t, 0, d.QueueDepth())
}

func TestDisconnectUndeclaresRemaining(t *testing.T) {
	g := newFakeGateway(t, map[string]opFunc{
		"declare_subscriber":   ack,
		"undeclare_subscriber": ack,
		"close_session":        ack,
	})
	d := gateway.New(gateway.Options{})
	_, err := d.Connect(context.Background(), g.url(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Subscribe(context.Background(), "s1", "a", func(api.Sample) {}))
	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, []string{"open_session", "declare_subscriber", "undeclare_subscriber", "close_session"}, g.calls())

	err = d.Publish(context.Background(), "a", nil, api.EncodingText)
	assert.ErrorIs(t, err, api.ErrNotConnected)
}
