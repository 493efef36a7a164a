package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/Spatial/internal/domain"
)

var (
	// ErrTransport marks relay link failures. Losing the link ends the call.
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks a message that references an unknown peer or carries
	// an unrecognised kind. Only that message is rejected.
	ErrProtocol = errors.New("protocol error")
	// ErrNegotiation marks a description the media engine refused.
	ErrNegotiation = errors.New("negotiation error")
	// ErrDevice marks a capture acquisition failure; the call goes receive-only.
	ErrDevice = errors.New("device error")

	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
	ErrCallEnded     = errors.New("call ended")
	ErrBackpressure  = errors.New("backpressure")
	ErrClosed        = errors.New("connection closed")
)

// NegotiationError is scoped to one peer; other sessions are unaffected.
type NegotiationError struct {
	Peer domain.PeerID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with peer %d: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{ErrNegotiation, e.Err} }
