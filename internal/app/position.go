package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

var ErrNotJoined = errors.New("no hello received yet")

// PositionSync keeps self and peer positions current and turns distance
// into an attenuation factor.
type PositionSync struct {
	sender   ClientSender
	sessions *Registry
	atten    domain.Attenuation

	mu     sync.RWMutex
	self   domain.PeerState
	joined bool
}

func NewPositionSync(sender ClientSender, sessions *Registry, atten domain.Attenuation) *PositionSync {
	return &PositionSync{sender: sender, sessions: sessions, atten: atten}
}

// Reset adopts the identity handed out in Hello.
func (p *PositionSync) Reset(self domain.PeerState) {
	p.mu.Lock()
	p.self = self
	p.joined = true
	p.mu.Unlock()
	log.Info().Str("module", "app.position").Uint64("self", uint64(self.ID)).
		Float64("x", self.Pos.X).Float64("y", self.Pos.Y).Msg("joined")
}

func (p *PositionSync) Self() (domain.PeerState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.self, p.joined
}

// Move updates the local position and publishes it. The relay echoes it back
// as MovePeer, which Apply accepts as a no-op refresh.
func (p *PositionSync) Move(pos domain.Position) error {
	p.mu.Lock()
	if !p.joined {
		p.mu.Unlock()
		return ErrNotJoined
	}
	p.self.Pos = pos
	p.mu.Unlock()
	return p.sender.Send(protocol.Move{Pos: pos})
}

func (p *PositionSync) Apply(id domain.PeerID, pos domain.Position) error {
	p.mu.Lock()
	if p.joined && id == p.self.ID {
		p.self.Pos = pos
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sess, err := p.sessions.Lookup(id)
	if err != nil {
		return err
	}
	sess.SetPosition(pos)
	return nil
}

// Factor is the attenuation applied to the media of peer id.
func (p *PositionSync) Factor(id domain.PeerID) (float64, error) {
	sess, err := p.sessions.Lookup(id)
	if err != nil {
		return 0, err
	}
	return p.FactorFor(sess.Position()), nil
}

func (p *PositionSync) FactorFor(pos domain.Position) float64 {
	p.mu.RLock()
	self := p.self.Pos
	p.mu.RUnlock()
	return p.atten.Factor(self, pos)
}
