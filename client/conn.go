// File: client/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn encapsulates one open WebSocket session over a raw stream.
//
// A reader goroutine owns the frame parser and fragment state and invokes
// every Handler callback. A writer goroutine drains the outbound queue.
// State changes that affect what may be queued happen under outMu, so no
// frame is ever queued behind a close frame.

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/pool"
	"github.com/momentics/topicscope/protocol"
)

var (
	errOrphanContinuation = errors.New("continuation frame without an open fragment")
	errInterleavedData    = errors.New("data frame while a fragmented message is open")
	errMaskedServerFrame  = errors.New("server frame is masked")
	errInvalidUTF8        = errors.New("text message is not valid UTF-8")
	errMessageTooBig      = errors.New("reassembled message exceeds size limit")
)

// framePool recycles outbound frame buffers across connections.
var framePool = pool.NewBytePool(512, 64<<10)

type outFrame struct {
	buf      []byte
	finalize bool // terminate the connection once written
	code     int
	reason   string
	err      error
}

// Conn is an open connection returned by Dial.
type Conn struct {
	cfg      *Config
	h        Handler
	logger   *slog.Logger
	nc       net.Conn
	subproto string
	leftover []byte

	state      atomic.Int32
	localClose atomic.Bool

	outMu      sync.Mutex
	outbox     *queue.Queue
	closeTimer *time.Timer
	wake       chan struct{}

	done        chan struct{}
	finalOnce   sync.Once
	closeCode   int
	closeReason string
	closeErr    error

	// Reader-owned.
	parser     *protocol.FrameParser
	fragActive bool
	fragOp     byte
	fragBuf    []byte
	gotClose   bool
	peerCode   int
	peerReason string

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64
}

func newConn(cfg *Config, nc net.Conn, leftover []byte, subproto string, h Handler) *Conn {
	c := &Conn{
		cfg:      cfg,
		h:        h,
		logger:   cfg.Logger,
		nc:       nc,
		subproto: subproto,
		leftover: leftover,
		outbox:   queue.New(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		parser:   protocol.NewFrameParser(cfg.MaxMessageSize),
	}
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	go c.writeLoop()
	if cfg.Heartbeat > 0 {
		go c.heartbeatLoop(cfg.Heartbeat)
	}
	return c
}

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Subprotocol returns the subprotocol selected by the server.
func (c *Conn) Subprotocol() string { return c.subproto }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// QueueDepth returns the number of frames waiting to be written.
func (c *Conn) QueueDepth() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outbox.Length()
}

// SendText queues a text message.
func (c *Conn) SendText(s string) error {
	return c.Send(protocol.OpcodeText, []byte(s))
}

// SendBinary queues a binary message.
func (c *Conn) SendBinary(b []byte) error {
	return c.Send(protocol.OpcodeBinary, b)
}

// Send queues one masked frame. Only open connections accept frames;
// use Close for close frames.
func (c *Conn) Send(opcode byte, payload []byte) error {
	switch opcode {
	case protocol.OpcodeText, protocol.OpcodeBinary, protocol.OpcodePing, protocol.OpcodePong:
	default:
		return fmt.Errorf("client: cannot send opcode %#x", opcode)
	}
	if protocol.IsControl(opcode) && len(payload) > protocol.MaxControlPayloadLen {
		return protocol.ErrControlTooLarge
	}
	buf, err := encodeFrame(opcode, payload)
	if err != nil {
		return err
	}

	c.outMu.Lock()
	if c.State() != StateOpen {
		c.outMu.Unlock()
		framePool.Put(buf)
		return api.NewError(api.KindTransport, "send", api.ErrClosed)
	}
	depth := c.pushLocked(outFrame{buf: buf})
	c.outMu.Unlock()

	c.signal(depth)
	return nil
}

// Close starts the close handshake. It returns immediately; OnClose
// reports completion. Calling Close on a connection that is not open is
// a no-op.
func (c *Conn) Close(code int, reason string) error {
	if code == 0 {
		code = protocol.CloseNormalClosure
	}
	buf, err := encodeFrame(protocol.OpcodeClose, protocol.EncodeClosePayload(code, reason))
	if err != nil {
		return err
	}

	c.outMu.Lock()
	if c.State() != StateOpen {
		c.outMu.Unlock()
		framePool.Put(buf)
		return nil
	}
	c.state.Store(int32(StateClosing))
	c.localClose.Store(true)
	depth := c.pushLocked(outFrame{buf: buf})
	c.armCloseTimerLocked()
	c.outMu.Unlock()

	c.signal(depth)
	return nil
}

// Stats returns a snapshot of connection counters.
func (c *Conn) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  c.bytesReceived.Load(),
		"bytes_sent":      c.bytesSent.Load(),
		"frames_received": c.framesReceived.Load(),
		"frames_sent":     c.framesSent.Load(),
	}
}

func encodeFrame(opcode byte, payload []byte) ([]byte, error) {
	key, err := protocol.NewMaskKey()
	if err != nil {
		return nil, err
	}
	return protocol.AppendFrame(framePool.Get(), true, opcode, payload, &key)
}

func (c *Conn) pushLocked(f outFrame) int {
	c.outbox.Add(f)
	return c.outbox.Length()
}

func (c *Conn) signal(depth int) {
	c.cfg.Metrics.SetQueueDepth(depth)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) popFrame() (outFrame, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outbox.Length() == 0 {
		return outFrame{}, false
	}
	return c.outbox.Remove().(outFrame), true
}

func (c *Conn) armCloseTimerLocked() {
	if c.closeTimer != nil {
		return
	}
	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
		c.logger.Warn("close handshake timed out, dropping connection")
		c.finalize(protocol.CloseAbnormalClosure, "close handshake timeout", nil)
	})
}

// finalize moves to StateClosed and releases the socket. The first call
// decides the reported code, reason and error.
func (c *Conn) finalize(code int, reason string, err error) {
	c.finalOnce.Do(func() {
		c.outMu.Lock()
		c.state.Store(int32(StateClosed))
		for c.outbox.Length() > 0 {
			framePool.Put(c.outbox.Remove().(outFrame).buf)
		}
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.outMu.Unlock()

		c.closeCode, c.closeReason, c.closeErr = code, reason, err
		_ = c.nc.Close()
		close(c.done)
		c.cfg.Metrics.SetQueueDepth(0)
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			f, ok := c.popFrame()
			if !ok {
				break
			}
			n, err := c.nc.Write(f.buf)
			framePool.Put(f.buf)
			if err != nil {
				c.finalize(protocol.CloseAbnormalClosure, "", api.NewError(api.KindTransport, "write", err))
				return
			}
			c.bytesSent.Add(int64(n))
			c.framesSent.Add(1)
			if f.finalize {
				c.finalize(f.code, f.reason, f.err)
				return
			}
		}
		c.cfg.Metrics.SetQueueDepth(c.QueueDepth())
	}
}

func (c *Conn) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(protocol.OpcodePing, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.emitClose()

	if c.h.OnOpen != nil {
		c.h.OnOpen(c.subproto)
	}
	if len(c.leftover) > 0 {
		ok := c.consume(c.leftover)
		c.leftover = nil
		if !ok {
			<-c.done
			return
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.bytesReceived.Add(int64(n))
			if !c.consume(buf[:n]) {
				<-c.done
				return
			}
		}
		if err != nil {
			switch {
			case c.gotClose:
				c.finalize(c.peerCode, c.peerReason, nil)
			case c.State() != StateClosed:
				c.finalize(protocol.CloseAbnormalClosure, "", api.NewError(api.KindTransport, "read", err))
			}
			return
		}
	}
}

// consume feeds one chunk to the parser and handles every complete frame.
// It returns false after a protocol violation.
func (c *Conn) consume(chunk []byte) bool {
	c.parser.Feed(chunk)
	for {
		f, err := c.parser.Next()
		if err != nil {
			code := protocol.CloseProtocolError
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				code = protocol.CloseMessageTooBig
			}
			c.fail(code, err)
			return false
		}
		if f == nil {
			return true
		}
		c.framesReceived.Add(1)
		if c.gotClose {
			continue // nothing is meaningful after a close frame
		}
		if !c.handleFrame(f) {
			return false
		}
	}
}

func (c *Conn) handleFrame(f *protocol.Frame) bool {
	if err := protocol.ValidateFrame(f.FrameHeader); err != nil {
		c.fail(protocol.CloseProtocolError, err)
		return false
	}
	if f.Masked {
		c.fail(protocol.CloseProtocolError, errMaskedServerFrame)
		return false
	}

	switch f.Opcode {
	case protocol.OpcodeClose:
		code, reason, err := protocol.DecodeClosePayload(f.Payload)
		if err != nil {
			c.fail(protocol.CloseProtocolError, err)
			return false
		}
		c.onPeerClose(code, reason)
		return true

	case protocol.OpcodePing:
		// A ping racing our own close frame is left unanswered.
		if err := c.Send(protocol.OpcodePong, f.Payload); err != nil {
			c.logger.Debug("pong not sent", "error", err)
		}
		return true

	case protocol.OpcodePong:
		return true

	case protocol.OpcodeContinuation:
		if !c.fragActive {
			c.fail(protocol.CloseProtocolError, errOrphanContinuation)
			return false
		}
		if c.cfg.MaxMessageSize > 0 && int64(len(c.fragBuf)+len(f.Payload)) > c.cfg.MaxMessageSize {
			c.fail(protocol.CloseMessageTooBig, errMessageTooBig)
			return false
		}
		c.fragBuf = append(c.fragBuf, f.Payload...)
		if !f.Fin {
			return true
		}
		op := c.fragOp
		c.fragActive = false
		ok := c.dispatch(op, c.fragBuf, true)
		c.fragBuf = c.fragBuf[:0]
		return ok

	default: // text or binary
		if c.fragActive {
			c.fail(protocol.CloseProtocolError, errInterleavedData)
			return false
		}
		if f.Fin {
			return c.dispatch(f.Opcode, f.Payload, false)
		}
		c.fragActive = true
		c.fragOp = f.Opcode
		c.fragBuf = append(c.fragBuf[:0], f.Payload...)
		return true
	}
}

// dispatch delivers one logical message. reused marks data that the
// engine overwrites after the callback returns.
func (c *Conn) dispatch(opcode byte, data []byte, reused bool) bool {
	if opcode == protocol.OpcodeText && !utf8.Valid(data) {
		c.fail(protocol.CloseInvalidPayloadData, errInvalidUTF8)
		return false
	}
	if c.h.OnMessage == nil {
		return true
	}
	if reused && (opcode == protocol.OpcodeText || c.cfg.BinaryMode == BinaryCopy) {
		data = append([]byte(nil), data...)
	}
	c.h.OnMessage(opcode, data)
	return true
}

// onPeerClose answers a close frame. When this side already sent one the
// handshake is complete; otherwise the same code is echoed first.
func (c *Conn) onPeerClose(code int, reason string) {
	c.gotClose = true
	c.peerCode, c.peerReason = code, reason
	c.fragActive = false

	if c.localClose.Load() {
		c.finalize(code, reason, nil)
		return
	}

	echoCode := code
	if code == protocol.CloseNoStatusRcvd {
		echoCode = 0
	}
	buf, err := encodeFrame(protocol.OpcodeClose, protocol.EncodeClosePayload(echoCode, ""))
	if err != nil {
		c.finalize(code, reason, nil)
		return
	}

	c.outMu.Lock()
	if c.State() != StateOpen {
		c.outMu.Unlock()
		framePool.Put(buf)
		c.finalize(code, reason, nil)
		return
	}
	c.state.Store(int32(StateClosing))
	depth := c.pushLocked(outFrame{buf: buf, finalize: true, code: code, reason: reason})
	c.armCloseTimerLocked()
	c.outMu.Unlock()
	c.signal(depth)
}

// fail terminates the connection after a protocol violation, sending a
// close frame with code when the connection is still open.
func (c *Conn) fail(code int, cause error) {
	err := api.NewError(api.KindTransport, "protocol", cause)
	c.logger.Warn("protocol violation", "error", cause, "code", code)
	c.fragActive = false

	buf, encErr := encodeFrame(protocol.OpcodeClose, protocol.EncodeClosePayload(code, cause.Error()))
	c.outMu.Lock()
	if encErr != nil || c.State() != StateOpen {
		c.outMu.Unlock()
		if buf != nil {
			framePool.Put(buf)
		}
		c.finalize(code, cause.Error(), err)
		return
	}
	c.state.Store(int32(StateClosing))
	depth := c.pushLocked(outFrame{buf: buf, finalize: true, code: code, reason: cause.Error(), err: err})
	c.armCloseTimerLocked()
	c.outMu.Unlock()
	c.signal(depth)
}

func (c *Conn) emitClose() {
	<-c.done
	c.fragActive = false
	c.fragBuf = nil
	c.parser.Reset()
	if c.closeErr != nil && c.h.OnError != nil {
		c.h.OnError(c.closeErr)
	}
	if c.h.OnClose != nil {
		c.h.OnClose(c.closeCode, c.closeReason)
	}
}
