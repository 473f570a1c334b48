package protocol_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/momentics/topicscope/protocol"
)

func TestComputeAcceptKeyKnownVector(t *testing.T) {
	// Example from RFC 6455 section 1.3.
	got := protocol.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept = %s", got)
	}
}

func TestHandshakeRequestBytes(t *testing.T) {
	req := &protocol.HandshakeRequest{
		Path:      "/remote",
		Host:      "broker:10000",
		Origin:    "http://localhost",
		Key:       "abc",
		Protocols: []string{"remote-api", "json"},
		Header:    http.Header{"Authorization": {"Bearer t"}},
	}
	text := string(req.Bytes())
	for _, want := range []string{
		"GET /remote HTTP/1.1\r\n",
		"Host: broker:10000\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Origin: http://localhost\r\n",
		"Sec-WebSocket-Key: abc\r\n",
		"Sec-WebSocket-Version: 13\r\n",
		"Sec-WebSocket-Protocol: remote-api, json\r\n",
		"Authorization: Bearer t\r\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("request missing %q", want)
		}
	}
	if !strings.HasSuffix(text, "\r\n\r\n") {
		t.Error("request not terminated by blank line")
	}

	bare := string((&protocol.HandshakeRequest{Host: "h", Key: "k"}).Bytes())
	if strings.Contains(bare, "Origin") || strings.Contains(bare, "Protocol") {
		t.Errorf("optional headers present: %q", bare)
	}
}

func TestParseHandshakeResponse(t *testing.T) {
	nonce := "dGhlIHNhbXBsZSBub25jZQ=="
	raw := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n" + "\x81\x02hi"
	end := protocol.FindHeaderEnd([]byte(raw))
	if end < 0 {
		t.Fatal("terminator not found")
	}
	resp, err := protocol.ParseHandshakeResponse([]byte(raw[:end]))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepts(nonce) || !resp.IsUpgrade() {
		t.Fatalf("response not accepted: %+v", resp)
	}
	if raw[end:] != "\x81\x02hi" {
		t.Fatalf("leftover = %q", raw[end:])
	}
	if resp.Accepts("other") {
		t.Fatal("accepted with a different nonce")
	}
}

func TestParseHandshakeResponseErrors(t *testing.T) {
	if _, err := protocol.ParseHandshakeResponse([]byte("garbage\r\n\r\n")); err == nil {
		t.Error("garbage status line accepted")
	}
	resp, err := protocol.ParseHandshakeResponse([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 12\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 || resp.ContentLength() != 12 || resp.Accepts("x") {
		t.Errorf("unexpected %+v", resp)
	}
	if protocol.FindHeaderEnd([]byte("HTTP/1.1 101 OK\r\nA: b\r\n")) != -1 {
		t.Error("incomplete header block reported complete")
	}
}
