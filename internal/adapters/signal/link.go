package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

// Link is the client's connection to the relay. Inbound messages are
// delivered in arrival order; undecodable frames are skipped.
type Link struct {
	ws     *WsSignalConn
	msgs   chan protocol.ServerMessage
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu  sync.Mutex
	err error
}

// SignallingURL turns a relay address into the websocket endpoint, carrying
// the spawn position as a query.
func SignallingURL(relay string, spawn domain.Position) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/signalling") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/signalling"
	}
	q := u.Query()
	q.Set("x", strconv.FormatFloat(spawn.X, 'f', -1, 64))
	q.Set("y", strconv.FormatFloat(spawn.Y, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the relay. The link lives until Close or until the relay
// drops it, independent of ctx.
func Dial(ctx context.Context, rawURL string, opts Options) (*Link, error) {
	opts = opts.withDefaults()
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s: %w", core.ErrTransport, rawURL, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrTransport, rawURL, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &Link{
		ws:     newWsSignalConn(ws, opts.SendBuffer),
		msgs:   make(chan protocol.ServerMessage, opts.SendBuffer),
		done:   make(chan struct{}),
		ctx:    linkCtx,
		cancel: cancel,
		logger: log.With().Str("module", "signal").Str("relay", rawURL).Logger(),
	}
	l.logger.Info().Msg("connected to relay")

	go writePump(linkCtx, l.ws, opts, &l.logger)
	go func() {
		err := readPump(l.ws, opts, &l.logger, func(data []byte) { l.deliver(linkCtx, data) })
		l.finish(linkCtx, err)
	}()
	return l, nil
}

func (l *Link) deliver(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		l.logger.Warn().Err(err).Msg("skipping undecodable frame")
		return
	}
	select {
	case l.msgs <- msg:
	case <-ctx.Done():
	}
}

func (l *Link) finish(ctx context.Context, readErr error) {
	l.mu.Lock()
	if ctx.Err() != nil {
		l.err = fmt.Errorf("%w: %w", core.ErrTransport, core.ErrClosed)
	} else {
		l.err = fmt.Errorf("%w: %w", core.ErrTransport, readErr)
	}
	l.mu.Unlock()
	l.cancel()
	close(l.msgs)
	close(l.done)
}

// Send encodes m and hands it to the write pump in call order, waiting while
// the queue is full. It fails only once the link is down; there is no retry.
func (l *Link) Send(m protocol.ClientMessage) error {
	frame, err := protocol.EncodeClient(m)
	if err != nil {
		return err
	}
	if err := l.ws.Send(l.ctx, frame); err != nil {
		if errors.Is(err, context.Canceled) {
			err = core.ErrClosed
		}
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	return nil
}

func (l *Link) Messages() <-chan protocol.ServerMessage { return l.msgs }

func (l *Link) Done() <-chan struct{} { return l.done }

// Err reports why the link ended; nil while it is up.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close is idempotent.
func (l *Link) Close() {
	l.cancel()
}
