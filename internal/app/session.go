package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

var (
	ErrAnswerTimeout  = errors.New("no answer before negotiation timeout")
	ErrSessionStarted = errors.New("session already started")
)

// ClientSender is the outbound half of the relay link.
type ClientSender interface {
	Send(protocol.ClientMessage) error
}

// SessionObserver receives per-session notifications. Implementations must not
// block; they are called from the session goroutine and from pion callbacks.
type SessionObserver interface {
	OnPhaseChange(id domain.PeerID, from, to domain.Phase)
	OnNegotiationError(err *core.NegotiationError)
	OnRemoteTrack(id domain.PeerID, track *webrtc.TrackRemote)
	OnConnectionFailed(s *PeerSession)
}

type SessionConfig struct {
	// Stream is nil when the call is receive-only.
	Stream   core.LocalStream
	Sender   ClientSender
	Observer SessionObserver
	// NegotiationTimeout bounds HaveLocalOffer. Zero waits forever.
	NegotiationTimeout time.Duration
}

// TrackInfo describes a remote track for the renderer.
type TrackInfo struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
}

// PeerSession drives negotiation of one realtime connection. All phase
// mutations happen on the session goroutine, one event at a time.
type PeerSession struct {
	id       domain.PeerID
	role     domain.Role
	conn     core.MediaConnection
	stream   core.LocalStream
	sender   ClientSender
	observer SessionObserver
	timeout  time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox[sessionEvent]
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu           sync.RWMutex
	phase        domain.Phase
	epoch        uint64
	pos          domain.Position
	tracks       []TrackInfo
	negotiations int
	lastErr      error

	// owned by the session goroutine
	attached   bool
	pending    []webrtc.ICECandidateInit
	offerTimer *time.Timer
}

// task identifies an asynchronous description generation. Its result is
// committed only while the session still matches it.
type task struct {
	peer  domain.PeerID
	phase domain.Phase
	epoch uint64
}

type sessionEvent interface{ sessionEvent() }

type (
	attachLocal       struct{}
	negotiationNeeded struct{}
	renegotiate       struct{}
	remoteDescription struct{ desc protocol.SDP }
	remoteCandidate   struct{ cand protocol.Candidate }
	localCandidate    struct{ cand webrtc.ICECandidateInit }
	remoteTrack       struct{ track *webrtc.TrackRemote }
	offerTimeout      struct{ epoch uint64 }
)

func (attachLocal) sessionEvent()       {}
func (negotiationNeeded) sessionEvent() {}
func (renegotiate) sessionEvent()       {}
func (remoteDescription) sessionEvent() {}
func (remoteCandidate) sessionEvent()   {}
func (localCandidate) sessionEvent()    {}
func (remoteTrack) sessionEvent()       {}
func (offerTimeout) sessionEvent()      {}

func NewPeerSession(state domain.PeerState, role domain.Role, conn core.MediaConnection, cfg SessionConfig) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &PeerSession{
		id:       state.ID,
		role:     role,
		conn:     conn,
		stream:   cfg.Stream,
		sender:   cfg.Sender,
		observer: observer,
		timeout:  cfg.NegotiationTimeout,
		logger: log.With().
			Str("module", "app.session").
			Uint64("peer", uint64(state.ID)).
			Str("role", role.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  newMailbox[sessionEvent](),
		done:   make(chan struct{}),
		phase:  domain.Stable,
		pos:    state.Pos,
	}
}

// Start wires connection callbacks and launches the session goroutine.
// An impolite session publishes its local media right away, which makes the
// engine ask for negotiation.
func (s *PeerSession) Start(ctx context.Context) error {
	err := ErrSessionStarted
	s.startOnce.Do(func() {
		s.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
			s.inbox.Push(localCandidate{cand: c})
		})
		s.conn.OnNegotiationNeeded(func() {
			s.inbox.Push(negotiationNeeded{})
		})
		s.conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			s.inbox.Push(remoteTrack{track: track})
		})
		s.conn.OnFailed(func() {
			if s.ctx.Err() == nil {
				s.observer.OnConnectionFailed(s)
			}
		})

		if err = s.conn.Start(s.ctx); err != nil {
			return
		}
		if s.role == domain.Impolite {
			s.inbox.Push(attachLocal{})
		}
		go s.run(ctx)
	})
	return err
}

func (s *PeerSession) run(ctx context.Context) {
	defer close(s.done)
	defer s.cleanup()
	for {
		ev, ok := s.inbox.Pop(ctx)
		if !ok || s.ctx.Err() != nil {
			return
		}
		s.handle(ev)
	}
}

func (s *PeerSession) cleanup() {
	s.stopOfferTimer()
	if n := len(s.pending); n > 0 {
		s.logger.Debug().Int("candidates", n).Msg("discarding queued candidates")
	}
	s.pending = nil
}

func (s *PeerSession) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case attachLocal:
		s.attachLocal()
	case negotiationNeeded:
		s.negotiate(false)
	case renegotiate:
		s.negotiate(true)
	case remoteDescription:
		s.onRemoteDescription(ev.desc)
	case remoteCandidate:
		s.onRemoteCandidate(ev.cand)
	case localCandidate:
		s.send(protocol.IceCandidate{Data: protocol.CandidateFromPion(ev.cand)})
	case remoteTrack:
		s.onRemoteTrack(ev.track)
	case offerTimeout:
		s.onOfferTimeout(ev.epoch)
	default:
		s.logger.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled session event")
	}
}

// Deliver queues a payload relayed from this peer.
func (s *PeerSession) Deliver(p protocol.Payload) error {
	var ev sessionEvent
	switch p := p.(type) {
	case protocol.SessionDescription:
		ev = remoteDescription{desc: p.Data}
	case protocol.IceCandidate:
		ev = remoteCandidate{cand: p.Data}
	default:
		return fmt.Errorf("%w: unknown payload %T", core.ErrProtocol, p)
	}
	if !s.inbox.Push(ev) {
		return core.ErrClosed
	}
	return nil
}

// Renegotiate forces a fresh offer regardless of role. It is the manual
// retry after a NegotiationError.
func (s *PeerSession) Renegotiate() error {
	if !s.inbox.Push(renegotiate{}) {
		return core.ErrClosed
	}
	return nil
}

// attachLocal publishes local media at most once. A receive-only offerer still
// declares receive transceivers so the exchange carries media sections.
func (s *PeerSession) attachLocal() {
	if s.attached {
		return
	}
	if s.stream == nil && s.role == domain.Polite {
		return
	}
	s.attached = true
	if err := s.conn.AttachStream(s.stream); err != nil {
		s.fail("attach local media", err)
	}
}

func (s *PeerSession) negotiate(forced bool) {
	if !forced && s.role == domain.Polite {
		s.logger.Debug().Msg("negotiation-needed suppressed")
		return
	}
	if p := s.Phase(); p != domain.Stable {
		s.logger.Debug().Str("phase", p.String()).Msg("negotiation already in progress")
		return
	}

	t := s.schedule()
	offer, err := s.conn.CreateOffer()
	if !s.current(t) {
		s.logger.Debug().Msg("discarding stale offer")
		return
	}
	if err != nil {
		s.fail("create offer", err)
		return
	}
	s.setPhase(domain.HaveLocalOffer)
	s.armOfferTimer(t.epoch)
	s.send(protocol.SessionDescription{Data: protocol.SDPFromPion(*offer)})
}

func (s *PeerSession) onRemoteDescription(sdp protocol.SDP) {
	desc, err := sdp.ToPion()
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting session description")
		return
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		s.acceptOffer(desc)
	case webrtc.SDPTypeAnswer:
		s.acceptAnswer(desc)
	}
}

func (s *PeerSession) acceptOffer(offer webrtc.SessionDescription) {
	if s.Phase() == domain.HaveLocalOffer {
		if s.role == domain.Impolite {
			s.logger.Info().Msg("glare: ignoring remote offer, local offer stands")
			return
		}
		s.logger.Info().Msg("glare: rolling back local offer")
		s.stopOfferTimer()
		if err := s.conn.Rollback(); err != nil {
			s.fail("rollback local offer", err)
			s.observer.OnConnectionFailed(s)
			return
		}
	}

	s.setPhase(domain.HaveRemoteOffer)
	if err := s.conn.ApplyRemoteDescription(offer); err != nil {
		s.setPhase(domain.Stable)
		s.fail("apply remote offer", err)
		return
	}
	s.flushCandidates()

	if s.stream != nil {
		s.attachLocal()
	}

	t := s.schedule()
	answer, err := s.conn.CreateAnswer()
	if !s.current(t) {
		s.logger.Debug().Msg("discarding stale answer")
		return
	}
	if err != nil {
		s.abort("create answer", err)
		return
	}
	s.setPhase(domain.Stable)
	s.completed()
	s.send(protocol.SessionDescription{Data: protocol.SDPFromPion(*answer)})
}

func (s *PeerSession) acceptAnswer(answer webrtc.SessionDescription) {
	if p := s.Phase(); p != domain.HaveLocalOffer {
		s.logger.Debug().Str("phase", p.String()).Msg("discarding stale answer")
		return
	}
	s.stopOfferTimer()
	if err := s.conn.ApplyRemoteDescription(answer); err != nil {
		s.abort("apply remote answer", err)
		return
	}
	s.setPhase(domain.Stable)
	s.completed()
	s.flushCandidates()
}

func (s *PeerSession) onRemoteCandidate(c protocol.Candidate) {
	init := c.ToPion()
	if !s.conn.HasRemoteDescription() {
		s.pending = append(s.pending, init)
		s.logger.Debug().Int("queued", len(s.pending)).Msg("queued remote candidate")
		return
	}
	if err := s.conn.AddICECandidate(init); err != nil {
		s.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

func (s *PeerSession) flushCandidates() {
	if len(s.pending) == 0 {
		return
	}
	for _, c := range s.pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add queued ice candidate")
		}
	}
	s.logger.Debug().Int("candidates", len(s.pending)).Msg("flushed queued candidates")
	s.pending = nil
}

func (s *PeerSession) onRemoteTrack(track *webrtc.TrackRemote) {
	if s.Closed() {
		return
	}
	info := TrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()}
	s.mu.Lock()
	s.tracks = append(s.tracks, info)
	s.mu.Unlock()
	s.logger.Info().Str("track_id", info.ID).Str("kind", info.Kind).Msg("remote track")
	s.observer.OnRemoteTrack(s.id, track)
}

func (s *PeerSession) armOfferTimer(epoch uint64) {
	if s.timeout <= 0 {
		return
	}
	s.stopOfferTimer()
	s.offerTimer = time.AfterFunc(s.timeout, func() {
		s.inbox.Push(offerTimeout{epoch: epoch})
	})
}

func (s *PeerSession) stopOfferTimer() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

func (s *PeerSession) onOfferTimeout(epoch uint64) {
	s.mu.RLock()
	stale := s.phase != domain.HaveLocalOffer || s.epoch != epoch
	s.mu.RUnlock()
	if stale {
		return
	}
	s.offerTimer = nil
	s.abort("await answer", ErrAnswerTimeout)
}

// abort rolls a pending description back and reports cause. When the
// rollback itself fails the phase is left as is and the connection is
// reported broken.
func (s *PeerSession) abort(op string, cause error) {
	if err := s.conn.Rollback(); err != nil {
		s.fail(op, errors.Join(cause, fmt.Errorf("rollback: %w", err)))
		s.observer.OnConnectionFailed(s)
		return
	}
	s.setPhase(domain.Stable)
	s.fail(op, cause)
}

func (s *PeerSession) schedule() task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return task{peer: s.id, phase: s.phase, epoch: s.epoch}
}

func (s *PeerSession) current(t task) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return t.peer == s.id && t.phase == s.phase && t.epoch == s.epoch
}

func (s *PeerSession) setPhase(to domain.Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("phase")
	s.observer.OnPhaseChange(s.id, from, to)
}

func (s *PeerSession) completed() {
	s.mu.Lock()
	s.negotiations++
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *PeerSession) fail(op string, err error) {
	ne := &core.NegotiationError{Peer: s.id, Op: op, Err: err}
	s.mu.Lock()
	s.lastErr = ne
	s.mu.Unlock()
	s.logger.Warn().Err(err).Str("op", op).Msg("negotiation failed")
	s.observer.OnNegotiationError(ne)
}

func (s *PeerSession) send(p protocol.Payload) {
	if s.ctx.Err() != nil || s.sender == nil {
		return
	}
	if err := s.sender.Send(protocol.Peer{To: s.id, Payload: p}); err != nil {
		s.logger.Warn().Err(err).Msg("send to relay")
	}
}

// Close tears the session down. Idempotent. In-flight work finishes inert.
func (s *PeerSession) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.inbox.Close()
		s.conn.Close()
		s.logger.Info().Msg("session closed")
	})
}

// Done is closed when the session goroutine has exited.
func (s *PeerSession) Done() <-chan struct{} { return s.done }

func (s *PeerSession) Closed() bool { return s.ctx.Err() != nil }

func (s *PeerSession) ID() domain.PeerID { return s.id }

func (s *PeerSession) Role() domain.Role { return s.role }

func (s *PeerSession) Phase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *PeerSession) Position() domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos
}

func (s *PeerSession) SetPosition(pos domain.Position) {
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()
}

func (s *PeerSession) State() domain.PeerState {
	return domain.PeerState{ID: s.id, Pos: s.Position()}
}

// SessionSnapshot is a copy of a session's observable state.
type SessionSnapshot struct {
	ID           domain.PeerID   `json:"id"`
	Pos          domain.Position `json:"pos"`
	Role         domain.Role     `json:"role"`
	Phase        domain.Phase    `json:"phase"`
	Tracks       []TrackInfo     `json:"tracks"`
	Negotiations int             `json:"negotiations"`
	LastError    string          `json:"last_error,omitempty"`
}

func (s *PeerSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SessionSnapshot{
		ID:           s.id,
		Pos:          s.pos,
		Role:         s.role,
		Phase:        s.phase,
		Tracks:       append([]TrackInfo(nil), s.tracks...),
		Negotiations: s.negotiations,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

type nopObserver struct{}

func (nopObserver) OnPhaseChange(domain.PeerID, domain.Phase, domain.Phase) {}
func (nopObserver) OnNegotiationError(*core.NegotiationError)             {}
func (nopObserver) OnRemoteTrack(domain.PeerID, *webrtc.TrackRemote)      {}
func (nopObserver) OnConnectionFailed(*PeerSession)                       {}
