// File: client/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Opening handshake with the 400 retry ladder. Each attempt uses a fresh
// stream; the ladder itself lives in protocol.NextNegotiation.

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/protocol"
)

// bodyGrace bounds the wait for a rejection body without Content-Length.
const bodyGrace = 250 * time.Millisecond

// HandshakeError is the terminal failure of the opening handshake.
type HandshakeError struct {
	URL        string
	StatusCode int
	Status     string
	Body       []byte
	Step       protocol.NegotiationStep // last attempt made
}

func (e *HandshakeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "websocket handshake with %s failed: HTTP %d", e.URL, e.StatusCode)
	if e.Status != "" {
		b.WriteString(" " + e.Status)
	}
	if body := strings.TrimSpace(string(e.Body)); body != "" {
		b.WriteString(": " + body)
	}
	return b.String()
}

// ErrBadAccept is returned when a 101 response carries a wrong accept token.
var ErrBadAccept = errors.New("websocket handshake: Sec-WebSocket-Accept mismatch")

// endpoint is the parsed dial target.
type endpoint struct {
	secure bool
	host   string // host:port, for dialing
	header string // Host header, as written in the URL
	name   string // host without port, for TLS SNI
	path   string // request URI
	url    string
}

func parseEndpoint(raw string) (endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, err
	}
	ep := endpoint{path: u.RequestURI(), name: u.Hostname(), url: raw}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
	case "wss", "https":
		ep.secure = true
	default:
		return endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("missing host in %q", raw)
	}
	ep.host, ep.header = u.Host, u.Host
	if u.Port() == "" {
		port := "80"
		if ep.secure {
			port = "443"
		}
		ep.host = net.JoinHostPort(u.Hostname(), port)
	}
	return ep, nil
}

// Dial connects to cfg.URL, walking the retry ladder on 400 responses,
// and returns an open connection. h's callbacks start with OnOpen.
func Dial(ctx context.Context, cfg Config, h Handler) (*Conn, error) {
	cfg = cfg.withDefaults()
	ep, err := parseEndpoint(cfg.URL)
	if err != nil {
		return nil, api.NewError(api.KindValidation, "dial", fmt.Errorf("%w: %v", api.ErrInvalidConfig, err))
	}

	neg := protocol.NewNegotiation(ep.path, cfg.Origin, cfg.Protocols)
	for {
		res, err := attempt(ctx, &cfg, ep, neg)
		if err != nil {
			return nil, err
		}
		if res.conn != nil {
			return newConn(&cfg, res.conn, res.leftover, res.protocol, h), nil
		}

		failure := protocol.HandshakeFailure{StatusCode: res.resp.StatusCode, Body: res.body}
		next, ok := protocol.NextNegotiation(neg, failure)
		if !ok {
			return nil, api.NewError(api.KindHandshake, "", &HandshakeError{
				URL:        ep.url,
				StatusCode: res.resp.StatusCode,
				Status:     res.resp.Reason,
				Body:       res.body,
				Step:       neg.Step,
			})
		}
		cfg.Logger.Info("handshake rejected, retrying",
			"status", res.resp.StatusCode, "step", next.Step.String(), "url", ep.url)
		cfg.Metrics.ObserveHandshakeRetry(next.Step.String())
		neg = next
	}
}

type attemptResult struct {
	conn     net.Conn // set on success
	leftover []byte
	protocol string

	resp *protocol.HandshakeResponse // set on rejection
	body []byte
}

// attempt performs one dial and handshake. A non-101 answer is returned as
// a result, not an error, so the caller can consult the ladder.
func attempt(ctx context.Context, cfg *Config, ep endpoint, neg protocol.Negotiation) (*attemptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	nc, err := cfg.NetDial(ctx, "tcp", ep.host)
	if err != nil {
		return nil, api.NewError(api.KindTransport, "dial", err)
	}
	if err := tuneSocket(nc, cfg.KeepAlive); err != nil {
		cfg.Logger.Debug("socket options not applied", "error", err)
	}

	ok := false
	defer func() {
		if !ok {
			nc.Close()
		}
	}()

	if ep.secure {
		tcfg := &tls.Config{}
		if cfg.TLSConfig != nil {
			tcfg = cfg.TLSConfig.Clone()
		}
		if tcfg.ServerName == "" {
			tcfg.ServerName = ep.name
		}
		tc := tls.Client(nc, tcfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, api.NewError(api.KindTransport, "tls", err)
		}
		nc = tc
	}

	if dl, has := ctx.Deadline(); has {
		_ = nc.SetDeadline(dl)
	}

	nonce, err := protocol.NewNonce()
	if err != nil {
		return nil, err
	}
	req := &protocol.HandshakeRequest{
		Path:      neg.Path,
		Host:      ep.header,
		Origin:    neg.Origin,
		Key:       nonce,
		Protocols: neg.Protocols,
		Header:    cfg.Header,
	}
	if _, err := nc.Write(req.Bytes()); err != nil {
		return nil, api.NewError(api.KindTransport, "handshake write", err)
	}

	buf, end, err := readHead(nc)
	if err != nil {
		return nil, api.NewError(api.KindTransport, "handshake read", err)
	}
	resp, err := protocol.ParseHandshakeResponse(buf[:end])
	if err != nil {
		return nil, api.NewError(api.KindHandshake, "", err)
	}
	rest := buf[end:]

	if resp.StatusCode != 101 {
		body := readBody(nc, resp, rest)
		return &attemptResult{resp: resp, body: body}, nil
	}
	if !resp.Accepts(nonce) || !resp.IsUpgrade() {
		return nil, api.NewError(api.KindHandshake, "", ErrBadAccept)
	}

	_ = nc.SetDeadline(time.Time{})
	ok = true
	return &attemptResult{
		conn:     nc,
		leftover: append([]byte(nil), rest...),
		protocol: resp.Protocol(),
	}, nil
}

// readHead buffers until the header terminator and returns the buffer and
// the header length.
func readHead(r io.Reader) ([]byte, int, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if end := protocol.FindHeaderEnd(buf); end >= 0 {
			return buf, end, nil
		}
		if len(buf) > protocol.MaxHandshakeHeadersSize {
			return nil, 0, protocol.ErrHandshakeHeadersTooLarge
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, 0, err
		}
	}
}

// readBody collects a rejection body for diagnostics, bounded in size and
// time. Errors end collection silently.
func readBody(nc net.Conn, resp *protocol.HandshakeResponse, have []byte) []byte {
	limit := protocol.MaxHandshakeBodySize
	if cl := resp.ContentLength(); cl >= 0 && cl < limit {
		limit = cl
	} else if cl < 0 {
		_ = nc.SetReadDeadline(time.Now().Add(bodyGrace))
	}
	body := bytes.NewBuffer(have)
	if body.Len() < limit {
		_, _ = io.CopyN(body, nc, int64(limit-body.Len()))
	}
	b := body.Bytes()
	if len(b) > limit {
		b = b[:limit]
	}
	return b
}
