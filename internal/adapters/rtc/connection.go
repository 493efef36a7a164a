package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
// Candidates trickle; descriptions are returned as soon as they are set.
//
// pion cannot roll a description back, so Rollback swaps in a fresh
// PeerConnection built from the same API and configuration. Events from a
// replaced PeerConnection are ignored.
type WebRTCConnection struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	peer   domain.PeerID
	logger zerolog.Logger

	mu       sync.RWMutex
	pc       *webrtc.PeerConnection
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	onICE    func(webrtc.ICECandidateInit)
	onNeeded func()
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onFailed func()

	// local media published so far, replayed into a rebuilt PeerConnection
	attached bool
	stream   core.LocalStream
	// remote candidates applied so far, replayed after the next remote
	// description on a rebuilt PeerConnection
	remoteCands []webrtc.ICECandidateInit
	replay      []webrtc.ICECandidateInit

	closeOnce  sync.Once
	failedOnce sync.Once
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.PeerID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCConnection{
		api:    api,
		cfg:    cfg,
		pc:     pc,
		peer:   peer,
		logger: log.With().Str("module", "rtc").Uint64("peer", uint64(peer)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	prev := c.cancel
	c.ctx, c.cancel = context.WithCancel(ctx)
	pc := c.pc
	c.mu.Unlock()
	prev()

	c.install(pc)
	return nil
}

// peerConnection is the PeerConnection currently in use.
func (c *WebRTCConnection) peerConnection() *webrtc.PeerConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pc
}

// install routes pc's events to the registered callbacks while pc is current.
func (c *WebRTCConnection) install(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if c.peerConnection() != pc {
			return
		}
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		c.failedOnce.Do(func() {
			c.mu.RLock()
			fn := c.onFailed
			c.mu.RUnlock()
			if fn != nil {
				fn()
			}
		})
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn, current := c.onICE, c.pc == pc
		c.mu.RUnlock()
		if fn != nil && current {
			fn(cand.ToJSON())
		}
	})

	pc.OnNegotiationNeeded(func() {
		c.mu.RLock()
		fn, current := c.onNeeded, c.pc == pc
		c.mu.RUnlock()
		if fn != nil && current {
			fn()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn, trackCtx, current := c.onTrack, c.ctx, c.pc == pc
		c.mu.RUnlock()
		if fn != nil && current {
			fn(trackCtx, track, receiver)
		}
	})
}

func (c *WebRTCConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	pc := c.peerConnection()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	c.logDescription("local", offer)
	return &offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	pc := c.peerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	c.logDescription("local", answer)
	return &answer, nil
}

func (c *WebRTCConnection) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	media, err := inspect(desc)
	if err != nil {
		return err
	}
	pc := c.peerConnection()
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", core.ErrNegotiation, desc.Type, err)
	}
	c.logger.Debug().Str("type", desc.Type.String()).Strs("media", media).Msg("remote description")

	c.mu.Lock()
	replay := c.replay
	c.replay = nil
	c.mu.Unlock()
	for _, ci := range replay {
		if err := pc.AddICECandidate(ci); err != nil {
			c.logger.Debug().Err(err).Msg("replay remote candidate")
		}
	}
	return nil
}

// Rollback returns to a stable state with no pending descriptions. The
// current PeerConnection is replaced by a new one that carries the same
// callbacks and local media; remote candidates already applied are applied
// again once the next remote description is set. Stable is a no-op.
func (c *WebRTCConnection) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("rollback: %w", core.ErrClosed)
	}
	old := c.pc
	from := old.SignalingState()
	if from == webrtc.SignalingStateStable {
		return nil
	}

	pc, err := c.api.NewPeerConnection(c.cfg)
	if err != nil {
		return fmt.Errorf("rollback: new peer connection: %w", err)
	}
	c.install(pc)
	if c.attached {
		if err := c.publish(pc, c.stream); err != nil {
			_ = pc.Close()
			return fmt.Errorf("rollback: %w", err)
		}
	}
	c.pc = pc
	c.replay = append([]webrtc.ICECandidateInit(nil), c.remoteCands...)

	go func() {
		if err := old.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close replaced peer connection")
		}
	}()
	c.logger.Info().Str("from", from.String()).Msg("rolled back to a fresh peer connection")
	return nil
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.peerConnection().RemoteDescription() != nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if err := c.peerConnection().AddICECandidate(ci); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteCands = append(c.remoteCands, ci)
	c.mu.Unlock()
	return nil
}

// AttachStream publishes the local tracks. A nil stream declares receive-only
// audio and video so the peer still has sections to send into.
func (c *WebRTCConnection) AttachStream(s core.LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.publish(c.pc, s); err != nil {
		return err
	}
	c.attached = true
	c.stream = s
	return nil
}

func (c *WebRTCConnection) publish(pc *webrtc.PeerConnection, s core.LocalStream) error {
	if s == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		c.logger.Info().Msg("attached receive-only transceivers")
		return nil
	}

	for _, track := range s.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go c.readRTCP(sender)
	}
	c.logger.Info().Str("stream_id", s.ID()).Int("tracks", len(s.Tracks())).Msg("attached local stream")
	return nil
}

// readRTCP drains sender reports so interceptors keep working.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) logDescription(side string, desc webrtc.SessionDescription) {
	if e := c.logger.Debug(); e.Enabled() {
		media, _ := inspect(desc)
		e.Str("side", side).Str("type", desc.Type.String()).Strs("media", media).Msg("description")
	}
}

func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel, pc := c.cancel, c.pc
		c.mu.Unlock()
		cancel()
		if err := pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
			return
		}
		c.logger.Info().Msg("closed")
	})
}

func (c *WebRTCConnection) IsClosed() bool {
	return c.peerConnection().ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNeeded = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnFailed fires once if the connection reaches the failed state.
func (c *WebRTCConnection) OnFailed(fn func()) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}
