package orch

import (
	"github.com/dkeye/Spatial/internal/app"
	"github.com/dkeye/Spatial/internal/domain"
)

// PeerView is what the renderer needs to draw and mix one peer.
type PeerView struct {
	ID           domain.PeerID   `json:"id"`
	Pos          domain.Position `json:"pos"`
	Role         domain.Role     `json:"role"`
	Phase        domain.Phase    `json:"phase"`
	Factor       float64         `json:"factor"`
	Tracks       []app.TrackInfo `json:"tracks"`
	Negotiations int             `json:"negotiations"`
	LastError    string          `json:"last_error,omitempty"`
}

type View struct {
	Self        domain.PeerState `json:"self"`
	Joined      bool             `json:"joined"`
	ReceiveOnly bool             `json:"receive_only"`
	Peers       []PeerView       `json:"peers"`
}

// View is a point-in-time copy; it does not go through the event loop.
func (c *Coordinator) View() View {
	self, joined := c.position.Self()
	snaps := c.sessions.Snapshot()
	v := View{
		Self:        self,
		Joined:      joined,
		ReceiveOnly: c.opts.Stream == nil,
		Peers:       make([]PeerView, 0, len(snaps)),
	}
	for _, s := range snaps {
		tracks := s.Tracks
		if tracks == nil {
			tracks = []app.TrackInfo{}
		}
		v.Peers = append(v.Peers, PeerView{
			ID:           s.ID,
			Pos:          s.Pos,
			Role:         s.Role,
			Phase:        s.Phase,
			Factor:       c.position.FactorFor(s.Pos),
			Tracks:       tracks,
			Negotiations: s.Negotiations,
			LastError:    s.LastError,
		})
	}
	return v
}
