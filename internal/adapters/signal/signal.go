// Package signal carries protocol frames over websockets, both for the
// client's relay link and for the relay's per-member connections.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Spatial/internal/core"
)

// Options tune the websocket pumps.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// pongWait must exceed the ping period so a healthy peer is never timed out.
func (o Options) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

// WsSignalConn is one websocket with a buffered outbound queue. Writes go
// through the write pump only.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	quit chan struct{}

	closeOnce sync.Once
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
		quit: make(chan struct{}),
	}
}

// TrySend queues f without waiting. A full queue is reported as
// backpressure and the frame is not sent.
func (c *WsSignalConn) TrySend(f core.Frame) error {
	if c.isClosed() {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Send queues f, waiting for room until the connection closes or ctx is done.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	if c.isClosed() {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-c.quit:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})
}

func (c *WsSignalConn) isClosed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}
