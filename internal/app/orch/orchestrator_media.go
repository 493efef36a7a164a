package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Spatial/internal/app"
	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

// The coordinator observes every session it creates.
var _ app.SessionObserver = (*Coordinator)(nil)

func (c *Coordinator) OnPhaseChange(id domain.PeerID, from, to domain.Phase) {
	c.logger.Debug().Uint64("peer", uint64(id)).Str("from", from.String()).Str("to", to.String()).Msg("phase change")
}

// OnNegotiationError leaves the session in place; the user can retry with
// Renegotiate.
func (c *Coordinator) OnNegotiationError(err *core.NegotiationError) {
	c.logger.Warn().Err(err).Uint64("peer", uint64(err.Peer)).Msg("negotiation error")
}

// OnRemoteTrack hands a new remote track to the event loop, which plays it
// only while the peer's session is still live.
func (c *Coordinator) OnRemoteTrack(id domain.PeerID, track *webrtc.TrackRemote) {
	go func() {
		select {
		case c.tracks <- remoteTrack{id: id, track: track}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) consume(t remoteTrack) {
	sess, err := c.sessions.Lookup(t.id)
	if err != nil || sess.Closed() {
		c.logger.Debug().Uint64("peer", uint64(t.id)).Msg("dropping track of a removed peer")
		return
	}
	c.sink.Consume(c.ctx, t.id, t.track)
}

// OnConnectionFailed hands the session to the event loop for removal.
func (c *Coordinator) OnConnectionFailed(s *app.PeerSession) {
	go func() {
		select {
		case c.failures <- s:
		case <-c.done:
		}
	}()
}
