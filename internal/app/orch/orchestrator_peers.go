package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

func (c *Coordinator) dispatch(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.Hello:
		c.onHello(m)
	case protocol.AddPeer:
		c.onAddPeer(m)
	case protocol.RemovePeer:
		c.onRemovePeer(m)
	case protocol.MovePeer:
		c.onMovePeer(m)
	case protocol.PeerMessage:
		c.onPeerMessage(m)
	default:
		c.protocolError(fmt.Errorf("%w: unhandled message %T", core.ErrProtocol, msg))
	}
}

// onHello adopts our identity and opens a polite session to everyone already
// present; those peers will offer to us.
func (c *Coordinator) onHello(m protocol.Hello) {
	if _, joined := c.position.Self(); joined {
		c.logger.Warn().Msg("second hello, resetting sessions")
		for _, id := range c.sessions.IDs() {
			c.sink.Drop(id)
		}
		c.sessions.Close()
	}
	c.position.Reset(m.Self)
	for _, p := range m.Peers {
		if p.ID == m.Self.ID {
			continue
		}
		c.openSession(p, domain.Polite)
	}
	c.logger.Info().Uint64("self", uint64(m.Self.ID)).Int("peers", len(m.Peers)).Msg("hello")
}

// onAddPeer opens an impolite session; we are the offerer towards newcomers.
func (c *Coordinator) onAddPeer(m protocol.AddPeer) {
	if self, joined := c.position.Self(); !joined || self.ID == m.ID {
		c.protocolError(fmt.Errorf("%w: add peer %d before hello or for self", core.ErrProtocol, m.ID))
		return
	}
	c.openSession(domain.PeerState{ID: m.ID, Pos: m.Pos}, domain.Impolite)
}

func (c *Coordinator) openSession(state domain.PeerState, role domain.Role) {
	if _, err := c.sessions.Create(c.ctx, state, role); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			c.protocolError(fmt.Errorf("%w: %w", core.ErrProtocol, err))
			return
		}
		c.logger.Error().Err(err).Uint64("peer", uint64(state.ID)).Msg("open session")
		return
	}
	c.sink.SetFactor(state.ID, c.position.FactorFor(state.Pos))
}

func (c *Coordinator) onRemovePeer(m protocol.RemovePeer) {
	c.sessions.Remove(m.ID)
	c.sink.Drop(m.ID)
}

func (c *Coordinator) onMovePeer(m protocol.MovePeer) {
	if err := c.position.Apply(m.ID, m.Pos); err != nil {
		c.protocolError(fmt.Errorf("%w: move peer: %w", core.ErrProtocol, err))
		return
	}
	if self, _ := c.position.Self(); self.ID == m.ID {
		c.refreshFactors()
		return
	}
	c.sink.SetFactor(m.ID, c.position.FactorFor(m.Pos))
}

func (c *Coordinator) onPeerMessage(m protocol.PeerMessage) {
	sess, err := c.sessions.Lookup(m.From)
	if err != nil {
		c.protocolError(fmt.Errorf("%w: message from %d: %w", core.ErrProtocol, m.From, err))
		return
	}
	if err := sess.Deliver(m.Payload); err != nil {
		c.logger.Warn().Err(err).Uint64("peer", uint64(m.From)).Msg("deliver")
	}
}

// refreshFactors recomputes every peer's attenuation after our own move.
func (c *Coordinator) refreshFactors() {
	for _, s := range c.sessions.Snapshot() {
		c.sink.SetFactor(s.ID, c.position.FactorFor(s.Pos))
	}
}

func (c *Coordinator) protocolError(err error) {
	c.logger.Warn().Err(err).Msg("dropping message")
}
