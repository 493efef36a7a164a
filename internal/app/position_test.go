package app

import (
	"errors"
	"math"
	"testing"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

func TestPositionSyncFactorFollowsMoves(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sender := &fakeSender{}
	ps := NewPositionSync(sender, reg, domain.Attenuation{Near: 200, Far: 600})

	ps.Reset(domain.PeerState{ID: 1, Pos: domain.Position{}})
	if _, err := reg.Create(t.Context(), domain.PeerState{ID: 2, Pos: domain.Position{X: 300}}, domain.Polite); err != nil {
		t.Fatalf("create: %v", err)
	}

	f, err := ps.Factor(2)
	if err != nil || math.Abs(f-0.75) > 1e-9 {
		t.Fatalf("factor = %v, %v; want 0.75", f, err)
	}

	if err := ps.Apply(2, domain.Position{X: 600}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f, _ := ps.Factor(2); f != 0 {
		t.Fatalf("factor at 600 = %v, want 0", f)
	}
}

func TestPositionSyncMove(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sender := &fakeSender{}
	ps := NewPositionSync(sender, reg, domain.Attenuation{Near: 200, Far: 600})

	if err := ps.Move(domain.Position{X: 1}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("move before hello = %v", err)
	}

	ps.Reset(domain.PeerState{ID: 4})
	if err := ps.Move(domain.Position{X: 10, Y: 20}); err != nil {
		t.Fatalf("move: %v", err)
	}
	self, joined := ps.Self()
	if !joined || self.Pos != (domain.Position{X: 10, Y: 20}) {
		t.Fatalf("self = %+v joined=%v", self, joined)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0] != (protocol.Move{Pos: domain.Position{X: 10, Y: 20}}) {
		t.Fatalf("sent = %+v", msgs)
	}

	// The relay echo of our own move is accepted.
	if err := ps.Apply(4, domain.Position{X: 10, Y: 20}); err != nil {
		t.Fatalf("apply self: %v", err)
	}
}

func TestPositionSyncUnknownPeer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ps := NewPositionSync(&fakeSender{}, reg, domain.Attenuation{Near: 200, Far: 600})
	ps.Reset(domain.PeerState{ID: 1})

	if err := ps.Apply(9, domain.Position{}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("apply unknown = %v", err)
	}
	if _, err := ps.Factor(9); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("factor unknown = %v", err)
	}
}
