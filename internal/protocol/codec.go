package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

const (
	typeHello              = "Hello"
	typeAddPeer            = "AddPeer"
	typeRemovePeer         = "RemovePeer"
	typeMovePeer           = "MovePeer"
	typePeerMessage        = "PeerMessage"
	typeMove               = "Move"
	typePeer               = "Peer"
	typeIceCandidate       = "IceCandidate"
	typeSessionDescription = "SessionDescription"
)

type envelope struct {
	Type string `json:"type"`
}

type payloadWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrProtocol}, args...)...)
}

func EncodeServer(m ServerMessage) ([]byte, error) {
	switch m := m.(type) {
	case Hello:
		peers := m.Peers
		if peers == nil {
			peers = []domain.PeerState{}
		}
		return json.Marshal(struct {
			Type  string             `json:"type"`
			Self  domain.PeerState   `json:"self"`
			Peers []domain.PeerState `json:"peers"`
		}{typeHello, m.Self, peers})
	case AddPeer:
		return json.Marshal(struct {
			Type string          `json:"type"`
			ID   domain.PeerID   `json:"id"`
			Pos  domain.Position `json:"pos"`
		}{typeAddPeer, m.ID, m.Pos})
	case RemovePeer:
		return json.Marshal(struct {
			Type string        `json:"type"`
			ID   domain.PeerID `json:"id"`
		}{typeRemovePeer, m.ID})
	case MovePeer:
		return json.Marshal(struct {
			Type string          `json:"type"`
			ID   domain.PeerID   `json:"id"`
			Pos  domain.Position `json:"pos"`
		}{typeMovePeer, m.ID, m.Pos})
	case PeerMessage:
		p, err := encodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type    string          `json:"type"`
			From    domain.PeerID   `json:"from"`
			Payload json.RawMessage `json:"payload"`
		}{typePeerMessage, m.From, p})
	default:
		return nil, protocolErr("unknown server message %T", m)
	}
}

func DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolErr("bad json: %v", err)
	}

	switch env.Type {
	case typeHello:
		var p struct {
			Self  *domain.PeerState  `json:"self"`
			Peers []domain.PeerState `json:"peers"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad Hello: %v", err)
		}
		if p.Self == nil {
			return nil, protocolErr("Hello without self")
		}
		return Hello{Self: *p.Self, Peers: p.Peers}, nil
	case typeAddPeer, typeMovePeer:
		var p struct {
			ID  *domain.PeerID   `json:"id"`
			Pos *domain.Position `json:"pos"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad %s: %v", env.Type, err)
		}
		if p.ID == nil {
			return nil, protocolErr("%s without id", env.Type)
		}
		if env.Type == typeMovePeer {
			if p.Pos == nil {
				return nil, protocolErr("MovePeer without pos")
			}
			return MovePeer{ID: *p.ID, Pos: *p.Pos}, nil
		}
		m := AddPeer{ID: *p.ID}
		if p.Pos != nil {
			m.Pos = *p.Pos
		}
		return m, nil
	case typeRemovePeer:
		var p struct {
			ID *domain.PeerID `json:"id"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad RemovePeer: %v", err)
		}
		if p.ID == nil {
			return nil, protocolErr("RemovePeer without id")
		}
		return RemovePeer{ID: *p.ID}, nil
	case typePeerMessage:
		var p struct {
			From    *domain.PeerID  `json:"from"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad PeerMessage: %v", err)
		}
		if p.From == nil {
			return nil, protocolErr("PeerMessage without from")
		}
		payload, err := decodePayload(p.Payload)
		if err != nil {
			return nil, err
		}
		return PeerMessage{From: *p.From, Payload: payload}, nil
	default:
		return nil, protocolErr("unknown server message type %q", env.Type)
	}
}

func EncodeClient(m ClientMessage) ([]byte, error) {
	switch m := m.(type) {
	case Move:
		return json.Marshal(struct {
			Type string          `json:"type"`
			Pos  domain.Position `json:"pos"`
		}{typeMove, m.Pos})
	case Peer:
		p, err := encodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type    string          `json:"type"`
			To      domain.PeerID   `json:"to"`
			Payload json.RawMessage `json:"payload"`
		}{typePeer, m.To, p})
	default:
		return nil, protocolErr("unknown client message %T", m)
	}
}

func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolErr("bad json: %v", err)
	}

	switch env.Type {
	case typeMove:
		var p struct {
			Pos *domain.Position `json:"pos"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad Move: %v", err)
		}
		if p.Pos == nil {
			return nil, protocolErr("Move without pos")
		}
		return Move{Pos: *p.Pos}, nil
	case typePeer:
		var p struct {
			To      *domain.PeerID  `json:"to"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, protocolErr("bad Peer: %v", err)
		}
		if p.To == nil {
			return nil, protocolErr("Peer without to")
		}
		payload, err := decodePayload(p.Payload)
		if err != nil {
			return nil, err
		}
		return Peer{To: *p.To, Payload: payload}, nil
	default:
		return nil, protocolErr("unknown client message type %q", env.Type)
	}
}

func encodePayload(p Payload) (json.RawMessage, error) {
	var (
		kind string
		data any
	)
	switch p := p.(type) {
	case IceCandidate:
		kind, data = typeIceCandidate, p.Data
	case SessionDescription:
		if p.Data.Type != KindOffer && p.Data.Type != KindAnswer {
			return nil, protocolErr("unsupported sdp type %q", p.Data.Type)
		}
		kind, data = typeSessionDescription, p.Data
	default:
		return nil, protocolErr("unknown payload %T", p)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadWire{Type: kind, Data: raw})
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, protocolErr("missing payload")
	}
	var w payloadWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, protocolErr("bad payload: %v", err)
	}
	if len(w.Data) == 0 {
		return nil, protocolErr("%s payload without data", w.Type)
	}

	switch w.Type {
	case typeIceCandidate:
		var c Candidate
		if err := json.Unmarshal(w.Data, &c); err != nil {
			return nil, protocolErr("bad candidate: %v", err)
		}
		return IceCandidate{Data: c}, nil
	case typeSessionDescription:
		var s SDP
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return nil, protocolErr("bad session description: %v", err)
		}
		if s.Type != KindOffer && s.Type != KindAnswer {
			return nil, protocolErr("unsupported sdp type %q", s.Type)
		}
		return SessionDescription{Data: s}, nil
	default:
		return nil, protocolErr("unknown payload type %q", w.Type)
	}
}
