package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

func TestDecodeServerHello(t *testing.T) {
	raw := `{"type":"Hello","self":{"id":1,"pos":{"x":0,"y":0}},"peers":[{"id":2,"pos":{"x":300,"y":0}}]}`
	msg, err := DecodeServer([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServer: %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("got %T, want Hello", msg)
	}
	if hello.Self.ID != 1 || len(hello.Peers) != 1 || hello.Peers[0].ID != 2 || hello.Peers[0].Pos.X != 300 {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}

func TestDecodeServerPeerMessage(t *testing.T) {
	raw := `{"type":"PeerMessage","from":7,"payload":{"type":"SessionDescription","data":{"type":"offer","sdp":"v=0"}}}`
	msg, err := DecodeServer([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServer: %v", err)
	}
	pm, ok := msg.(PeerMessage)
	if !ok {
		t.Fatalf("got %T, want PeerMessage", msg)
	}
	sd, ok := pm.Payload.(SessionDescription)
	if !ok || pm.From != 7 || sd.Data.Type != KindOffer || sd.Data.SDP != "v=0" {
		t.Fatalf("unexpected message: %+v", pm)
	}
}

func TestDecodeRejectsUnknownKinds(t *testing.T) {
	cases := map[string]string{
		"unknown type":        `{"type":"Teleport","id":1}`,
		"unknown payload":     `{"type":"PeerMessage","from":2,"payload":{"type":"Hug","data":{}}}`,
		"bad sdp kind":        `{"type":"PeerMessage","from":2,"payload":{"type":"SessionDescription","data":{"type":"pranswer","sdp":""}}}`,
		"missing payload":     `{"type":"PeerMessage","from":2}`,
		"hello without self":  `{"type":"Hello","peers":[]}`,
		"move without pos":    `{"type":"MovePeer","id":3}`,
		"remove without id":   `{"type":"RemovePeer"}`,
		"not json":            `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeServer([]byte(raw))
			if !errors.Is(err, core.ErrProtocol) {
				t.Fatalf("err=%v, want ErrProtocol", err)
			}
		})
	}
}

func TestEncodeClientPeerWireShape(t *testing.T) {
	mid := "0"
	data, err := EncodeClient(Peer{
		To:      4,
		Payload: IceCandidate{Data: Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}},
	})
	if err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}

	var wire struct {
		Type    string `json:"type"`
		To      int    `json:"to"`
		Payload struct {
			Type string `json:"type"`
			Data struct {
				Candidate string `json:"candidate"`
				SDPMid    string `json:"sdpMid"`
			} `json:"data"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Type != "Peer" || wire.To != 4 || wire.Payload.Type != "IceCandidate" || wire.Payload.Data.SDPMid != "0" {
		t.Fatalf("unexpected wire form: %s", data)
	}
}

func TestEncodeHelloAlwaysHasPeers(t *testing.T) {
	data, err := EncodeServer(Hello{Self: domain.PeerState{ID: 1}})
	if err != nil {
		t.Fatalf("EncodeServer: %v", err)
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(wire["peers"]) != "[]" {
		t.Fatalf("peers=%s, want []", wire["peers"])
	}
}

func TestDecodeClientMove(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"Move","pos":{"x":1.5,"y":-2}}`))
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	if mv, ok := msg.(Move); !ok || mv.Pos != (domain.Position{X: 1.5, Y: -2}) {
		t.Fatalf("unexpected message: %#v", msg)
	}
}

func TestSDPToPionRejectsUnknownKind(t *testing.T) {
	if _, err := (SDP{Type: "rollback"}).ToPion(); !errors.Is(err, core.ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
}
