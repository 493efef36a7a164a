package domain

import "fmt"

// PeerID is assigned by the relay and unique among live participants.
type PeerID uint64

func (id PeerID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// PeerState is the roster fact a participant publishes: who and where.
type PeerState struct {
	ID  PeerID   `json:"id"`
	Pos Position `json:"pos"`
}

// Role is fixed at session creation. It is self-relative: Polite means
// "I yield to this peer when both of us offer at once".
type Role int

const (
	Polite Role = iota
	Impolite
)

func (r Role) String() string {
	switch r {
	case Polite:
		return "polite"
	case Impolite:
		return "impolite"
	default:
		return "unknown"
	}
}

// Opposite is the role the remote end holds for the same pair.
func (r Role) Opposite() Role {
	if r == Polite {
		return Impolite
	}
	return Polite
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
