// Package protocol defines the relay wire schema: one JSON object per frame,
// discriminated by its "type" field.
package protocol

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

// ServerMessage is sent by the relay. The set of implementations is closed.
type ServerMessage interface{ serverMessage() }

type Hello struct {
	Self  domain.PeerState
	Peers []domain.PeerState
}

type AddPeer struct {
	ID  domain.PeerID
	Pos domain.Position
}

type RemovePeer struct {
	ID domain.PeerID
}

type MovePeer struct {
	ID  domain.PeerID
	Pos domain.Position
}

// PeerMessage is a payload relayed from another participant.
type PeerMessage struct {
	From    domain.PeerID
	Payload Payload
}

func (Hello) serverMessage()       {}
func (AddPeer) serverMessage()     {}
func (RemovePeer) serverMessage()  {}
func (MovePeer) serverMessage()    {}
func (PeerMessage) serverMessage() {}

// ClientMessage is sent to the relay. The set of implementations is closed.
type ClientMessage interface{ clientMessage() }

type Move struct {
	Pos domain.Position
}

// Peer asks the relay to forward a payload to one participant.
type Peer struct {
	To      domain.PeerID
	Payload Payload
}

func (Move) clientMessage() {}
func (Peer) clientMessage() {}

// Payload is relayed opaquely between peers.
type Payload interface{ payload() }

type IceCandidate struct {
	Data Candidate
}

type SessionDescription struct {
	Data SDP
}

func (IceCandidate) payload()       {}
func (SessionDescription) payload() {}

// SDPKind is the embedded offer/answer tag of a session description.
type SDPKind string

const (
	KindOffer  SDPKind = "offer"
	KindAnswer SDPKind = "answer"
)

type SDP struct {
	Type SDPKind `json:"type"`
	SDP  string  `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: SDPKind(desc.Type.String()), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case KindOffer:
		t = webrtc.SDPTypeOffer
	case KindAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported sdp type %q", core.ErrProtocol, s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
