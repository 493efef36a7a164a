package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is the realtime connection to one peer.
// It is owned by exactly one PeerSession and closed exactly once.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close is idempotent.
	Close()
	IsClosed() bool

	// CreateOffer generates an offer and installs it as the local description.
	CreateOffer() (*webrtc.SessionDescription, error)
	// CreateAnswer generates an answer to the applied remote offer and installs it.
	CreateAnswer() (*webrtc.SessionDescription, error)
	ApplyRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	HasRemoteDescription() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AttachStream publishes every track of the local stream.
	AttachStream(LocalStream) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnNegotiationNeeded(func())
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnFailed fires when the engine gives up on the connection.
	OnFailed(func())
}

// LocalStream is the capture output attached to sessions.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
}
