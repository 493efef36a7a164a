// Package playout hands remote media to the renderer. Each remote track gets a
// forwarder; peers at attenuation zero are muted rather than torn down.
package playout

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/domain"
)

// Targets are UDP addresses the renderer listens on. Empty means the kind is
// read and discarded.
type Targets struct {
	Audio string
	Video string
}

func (t Targets) addr(kind webrtc.RTPCodecType) string {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return t.Audio
	case webrtc.RTPCodecTypeVideo:
		return t.Video
	default:
		return ""
	}
}

// DialFunc opens a writer towards addr.
type DialFunc func(addr string) (Writer, io.Closer, error)

type Manager struct {
	targets Targets
	dial    DialFunc

	mu    sync.Mutex
	peers map[domain.PeerID]*peerPlayout
}

type peerPlayout struct {
	muted      bool
	forwarders []*Forwarder
}

func NewManager(targets Targets) *Manager {
	return &Manager{
		targets: targets,
		dial:    dialUDP,
		peers:   make(map[domain.PeerID]*peerPlayout),
	}
}

// WithDial replaces the UDP dialer.
func (m *Manager) WithDial(dial DialFunc) *Manager {
	m.dial = dial
	return m
}

// Consume starts forwarding a remote track of peer id.
func (m *Manager) Consume(ctx context.Context, id domain.PeerID, track *webrtc.TrackRemote) {
	m.Start(ctx, id, track.Kind(), track)
}

func (m *Manager) Start(ctx context.Context, id domain.PeerID, kind webrtc.RTPCodecType, src Source) *Forwarder {
	logger := log.With().
		Str("module", "playout").
		Uint64("peer", uint64(id)).
		Str("kind", kind.String()).
		Logger()

	fctx, cancel := context.WithCancel(ctx)
	f := newForwarder(src, cancel)

	if addr := m.targets.addr(kind); addr != "" {
		w, closer, err := m.dial(addr)
		if err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("playout target unavailable, draining")
		} else {
			f.AddOutput(addr, NewOutput(w))
			if closer != nil {
				f.closers = append(f.closers, closer)
			}
		}
	}

	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		p = &peerPlayout{}
		m.peers[id] = p
	}
	p.forwarders = append(p.forwarders, f)
	if p.muted {
		f.setMuted(true)
	}
	m.mu.Unlock()

	logger.Info().Msg("starting playout")
	go f.loop(fctx, &logger)
	return f
}

// SetFactor mutes a peer at factor zero and unmutes it otherwise.
func (m *Manager) SetFactor(id domain.PeerID, factor float64) {
	muted := factor <= 0
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		p = &peerPlayout{}
		m.peers[id] = p
	}
	if p.muted == muted {
		return
	}
	p.muted = muted
	for _, f := range p.forwarders {
		f.setMuted(muted)
	}
	log.Debug().Str("module", "playout").Uint64("peer", uint64(id)).Bool("muted", muted).Msg("playout gain")
}

// Drop stops every forwarder of peer id.
func (m *Manager) Drop(id domain.PeerID) {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, f := range p.forwarders {
		f.markAllDelete()
		f.cancel()
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]domain.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Drop(id)
	}
}

func (m *Manager) Muted(id domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return ok && p.muted
}

type udpWriter struct {
	conn net.Conn
	buf  []byte
}

func dialUDP(addr string) (Writer, io.Closer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial playout %s: %w", addr, err)
	}
	return &udpWriter{conn: conn, buf: make([]byte, 1500)}, conn, nil
}

func (u *udpWriter) WriteRTP(pkt *rtp.Packet) error {
	n, err := pkt.MarshalTo(u.buf)
	if err != nil {
		return err
	}
	_, err = u.conn.Write(u.buf[:n])
	return err
}
