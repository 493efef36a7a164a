package relay

import (
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case DropFrame:
		return "drop"
	case KickMember:
		return "kick"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(id domain.PeerID, msg protocol.ServerMessage) BackpressureAction
}

// SimplePolicy drops position updates, which the next move supersedes, and
// kicks the member for anything else.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.PeerID, msg protocol.ServerMessage) BackpressureAction {
	if _, ok := msg.(protocol.MovePeer); ok {
		return DropFrame
	}
	return KickMember
}
