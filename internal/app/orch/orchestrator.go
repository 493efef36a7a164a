// Package orch runs a call: it consumes the relay link, keeps one session per
// roster peer and serves local requests from the view surface.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/app"
	"github.com/dkeye/Spatial/internal/app/playout"
	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

// Link is the relay connection as seen by the coordinator.
type Link interface {
	Send(protocol.ClientMessage) error
	Messages() <-chan protocol.ServerMessage
	Done() <-chan struct{}
	Err() error
	Close()
}

// ConnectionFactory allocates the realtime connection for a new session.
type ConnectionFactory interface {
	NewConnection(id domain.PeerID) (core.MediaConnection, error)
}

// TrackSink receives remote media.
type TrackSink interface {
	Consume(ctx context.Context, id domain.PeerID, track *webrtc.TrackRemote)
	SetFactor(id domain.PeerID, factor float64)
	Drop(id domain.PeerID)
}

type Options struct {
	// Stream is the local capture; nil runs the call receive-only.
	Stream             core.LocalStream
	Attenuation        domain.Attenuation
	NegotiationTimeout time.Duration
	Sink               TrackSink
}

type Coordinator struct {
	link     Link
	conns    ConnectionFactory
	opts     Options
	sink     TrackSink
	sessions *app.Registry
	position *app.PositionSync
	logger   zerolog.Logger

	// ctx outlives a single Run call only until shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	requests chan request
	failures chan *app.PeerSession
	tracks   chan remoteTrack
	hangup   chan struct{}
	done     chan struct{}

	hangupOnce sync.Once
	runOnce    sync.Once
}

type remoteTrack struct {
	id    domain.PeerID
	track *webrtc.TrackRemote
}

type request struct {
	fn    func(ctx context.Context) error
	reply chan error
}

var ErrAlreadyRunning = errors.New("coordinator already running")

func NewCoordinator(link Link, conns ConnectionFactory, opts Options) *Coordinator {
	if opts.Attenuation == (domain.Attenuation{}) {
		opts.Attenuation = domain.Attenuation{Near: 200, Far: 600}
	}
	sink := opts.Sink
	if sink == nil {
		sink = playout.NewManager(playout.Targets{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		link:     link,
		conns:    conns,
		opts:     opts,
		sink:     sink,
		logger:   log.With().Str("module", "orch").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		failures: make(chan *app.PeerSession),
		tracks:   make(chan remoteTrack),
		hangup:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.sessions = app.NewRegistry(c.newSession)
	c.position = app.NewPositionSync(link, c.sessions, opts.Attenuation)
	return c
}

func (c *Coordinator) newSession(state domain.PeerState, role domain.Role) (*app.PeerSession, error) {
	conn, err := c.conns.NewConnection(state.ID)
	if err != nil {
		return nil, err
	}
	return app.NewPeerSession(state, role, conn, app.SessionConfig{
		Stream:             c.opts.Stream,
		Sender:             c.link,
		Observer:           c,
		NegotiationTimeout: c.opts.NegotiationTimeout,
	}), nil
}

// Run processes relay messages and local requests until the link drops,
// Hangup is called or ctx is done. A dropped link ends the call with
// ErrCallEnded; the other two return nil.
func (c *Coordinator) Run(ctx context.Context) error {
	err := ErrAlreadyRunning
	c.runOnce.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	defer c.shutdown()
	if c.opts.Stream == nil {
		c.logger.Warn().Msg("no local media, call is receive-only")
	}
	msgs := c.link.Messages()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("call cancelled")
			return nil
		case <-c.hangup:
			c.logger.Info().Msg("hang up")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return c.linkLost()
			}
			c.dispatch(msg)
		case req := <-c.requests:
			req.reply <- req.fn(c.ctx)
		case t := <-c.tracks:
			c.consume(t)
		case sess := <-c.failures:
			if c.sessions.RemoveSession(sess) {
				c.sink.Drop(sess.ID())
				c.logger.Warn().Uint64("peer", uint64(sess.ID())).Msg("connection failed, session removed")
			}
		}
	}
}

func (c *Coordinator) linkLost() error {
	cause := c.link.Err()
	if cause == nil || !errors.Is(cause, core.ErrTransport) {
		cause = fmt.Errorf("%w: relay closed the link", core.ErrTransport)
	}
	c.logger.Error().Err(cause).Msg("relay link lost")
	return fmt.Errorf("%w: %w", core.ErrCallEnded, cause)
}

func (c *Coordinator) shutdown() {
	c.cancel()
	close(c.done)
	c.sessions.Close()
	if closer, ok := c.sink.(interface{ Close() }); ok {
		closer.Close()
	}
	c.link.Close()
	c.logger.Info().Msg("call ended")
}

// Hangup ends the call. Idempotent.
func (c *Coordinator) Hangup() {
	c.hangupOnce.Do(func() { close(c.hangup) })
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// do runs fn on the event loop.
func (c *Coordinator) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return core.ErrCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Move publishes a new local position.
func (c *Coordinator) Move(ctx context.Context, pos domain.Position) error {
	return c.do(ctx, func(context.Context) error {
		if err := c.position.Move(pos); err != nil {
			return err
		}
		c.refreshFactors()
		return nil
	})
}

// Renegotiate forces a fresh offer towards peer id.
func (c *Coordinator) Renegotiate(ctx context.Context, id domain.PeerID) error {
	return c.do(ctx, func(context.Context) error {
		sess, err := c.sessions.Lookup(id)
		if err != nil {
			return err
		}
		return sess.Renegotiate()
	})
}
