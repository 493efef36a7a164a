// Package relay is the signaling service: it hands out peer ids, keeps the
// roster with positions and forwards negotiation payloads between peers.
package relay

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

type member struct {
	id   domain.PeerID
	pos  domain.Position
	conn core.SignalConnection

	// set while a throttled move waits for its flush
	movePending bool
}

type HubOptions struct {
	Policy       Policy
	MoveLimit    int
	MoveInterval time.Duration
}

type Hub struct {
	policy Policy
	moves  *MoveLimiter

	mu      sync.Mutex
	nextID  domain.PeerID
	members map[domain.PeerID]*member
}

func NewHub(opts HubOptions) *Hub {
	policy := opts.Policy
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Hub{
		policy:  policy,
		moves:   NewMoveLimiter(opts.MoveLimit, opts.MoveInterval),
		nextID:  1,
		members: make(map[domain.PeerID]*member),
	}
}

// Join admits a connection: it receives Hello with everyone else, and
// everyone else receives AddPeer.
func (h *Hub) Join(conn core.SignalConnection, pos domain.Position) domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	hello := protocol.Hello{Self: domain.PeerState{ID: id, Pos: pos}, Peers: h.rosterLocked()}
	m := &member{id: id, pos: pos, conn: conn}
	h.members[id] = m

	h.sendLocked(m, hello)
	h.broadcastLocked(protocol.AddPeer{ID: id, Pos: pos}, id)

	log.Info().Str("module", "relay").Uint64("peer", uint64(id)).
		Float64("x", pos.X).Float64("y", pos.Y).Int("members", len(h.members)).Msg("peer joined")
	return id
}

// Leave removes the member and tells the others. Unknown ids are ignored.
func (h *Hub) Leave(id domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[id]; !ok {
		return
	}
	delete(h.members, id)
	h.moves.Forget(id)
	h.broadcastLocked(protocol.RemovePeer{ID: id}, 0)
	log.Info().Str("module", "relay").Uint64("peer", uint64(id)).Int("members", len(h.members)).Msg("peer left")
}

var ErrUnknownMember = errors.New("unknown member")

// HandleFrame processes one frame received from member id.
func (h *Hub) HandleFrame(id domain.PeerID, data []byte) error {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.Move:
		return h.move(id, m.Pos)
	case protocol.Peer:
		return h.forward(id, m)
	default:
		return fmt.Errorf("%w: unhandled client message %T", core.ErrProtocol, msg)
	}
}

func (h *Hub) move(id domain.PeerID, pos domain.Position) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return fmt.Errorf("peer %d: %w", id, ErrUnknownMember)
	}
	m.pos = pos
	if !h.moves.Allow(id) {
		if !m.movePending {
			m.movePending = true
			time.AfterFunc(h.moves.Interval(), func() { h.flushMove(id) })
		}
		return nil
	}
	m.movePending = false
	h.broadcastLocked(protocol.MovePeer{ID: id, Pos: pos}, 0)
	return nil
}

// flushMove publishes the latest position of a throttled member.
func (h *Hub) flushMove(id domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok || !m.movePending {
		return
	}
	m.movePending = false
	h.broadcastLocked(protocol.MovePeer{ID: id, Pos: m.pos}, 0)
}

func (h *Hub) forward(from domain.PeerID, p protocol.Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[from]; !ok {
		return fmt.Errorf("peer %d: %w", from, ErrUnknownMember)
	}
	to, ok := h.members[p.To]
	if !ok || p.To == from {
		log.Debug().Str("module", "relay").Uint64("from", uint64(from)).Uint64("to", uint64(p.To)).Msg("dropping payload for unknown target")
		return nil
	}
	h.sendLocked(to, protocol.PeerMessage{From: from, Payload: p.Payload})
	return nil
}

// Snapshot returns the roster ordered by id.
func (h *Hub) Snapshot() []domain.PeerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

func (h *Hub) rosterLocked() []domain.PeerState {
	out := make([]domain.PeerState, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, domain.PeerState{ID: m.id, Pos: m.pos})
	}
	slices.SortFunc(out, func(a, b domain.PeerState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// broadcastLocked sends msg to every member except skip (0 skips nobody).
func (h *Hub) broadcastLocked(msg protocol.ServerMessage, skip domain.PeerID) {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode broadcast")
		return
	}
	for id, m := range h.members {
		if id == skip {
			continue
		}
		h.deliverLocked(m, msg, frame)
	}
}

func (h *Hub) sendLocked(m *member, msg protocol.ServerMessage) {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode message")
		return
	}
	h.deliverLocked(m, msg, frame)
}

func (h *Hub) deliverLocked(m *member, msg protocol.ServerMessage, frame []byte) {
	err := m.conn.TrySend(frame)
	if err == nil || !errors.Is(err, core.ErrBackpressure) {
		return
	}
	action := h.policy.OnBackPressure(m.id, msg)
	log.Warn().Str("module", "relay").Uint64("peer", uint64(m.id)).Str("action", action.String()).Msg("send buffer full")
	switch action {
	case KickMember:
		m.conn.Close()
	case DropFrame, NoAction:
	}
}
