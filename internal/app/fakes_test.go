package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/protocol"
)

type fakeConn struct {
	mu sync.Mutex

	offers      int
	answers     int
	rollbacks   int
	remote      bool
	applied     []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	attachCalls int
	attached    []core.LocalStream
	closed      bool

	applyErr    error
	rollbackErr error
	beforeOffer func()

	onCandidate func(webrtc.ICECandidateInit)
	onNeeded    func()
	onFailed    func()
}

func (f *fakeConn) Start(context.Context) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) CreateOffer() (*webrtc.SessionDescription, error) {
	if f.beforeOffer != nil {
		f.beforeOffer()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeConn) CreateAnswer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeConn) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.remote = true
	f.applied = append(f.applied, d)
	return nil
}

func (f *fakeConn) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return f.rollbackErr
}

func (f *fakeConn) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) AttachStream(s core.LocalStream) error {
	f.mu.Lock()
	f.attachCalls++
	f.attached = append(f.attached, s)
	needed := f.onNeeded
	f.mu.Unlock()
	if needed != nil {
		needed()
	}
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }
func (f *fakeConn) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.onNeeded = fn
	f.mu.Unlock()
}
func (f *fakeConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (f *fakeConn) OnFailed(fn func())                                                      { f.onFailed = fn }

func (f *fakeConn) snapshot() fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeConn{
		offers:      f.offers,
		answers:     f.answers,
		rollbacks:   f.rollbacks,
		remote:      f.remote,
		applied:     append([]webrtc.SessionDescription(nil), f.applied...),
		candidates:  append([]webrtc.ICECandidateInit(nil), f.candidates...),
		attachCalls: f.attachCalls,
		attached:    append([]core.LocalStream(nil), f.attached...),
		closed:      f.closed,
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.ClientMessage
	err  error
}

func (f *fakeSender) Send(m protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) messages() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientMessage(nil), f.sent...)
}

// descriptions returns the SDP payloads sent so far.
func (f *fakeSender) descriptions() []protocol.SDP {
	var out []protocol.SDP
	for _, m := range f.messages() {
		p, ok := m.(protocol.Peer)
		if !ok {
			continue
		}
		if d, ok := p.Payload.(protocol.SessionDescription); ok {
			out = append(out, d.Data)
		}
	}
	return out
}

type fakeObserver struct {
	mu     sync.Mutex
	phases []domain.Phase
	errs   []*core.NegotiationError
	failed []*PeerSession
	tracks int
}

func (o *fakeObserver) OnPhaseChange(_ domain.PeerID, _, to domain.Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, to)
	o.mu.Unlock()
}

func (o *fakeObserver) OnNegotiationError(err *core.NegotiationError) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *fakeObserver) OnRemoteTrack(domain.PeerID, *webrtc.TrackRemote) {
	o.mu.Lock()
	o.tracks++
	o.mu.Unlock()
}

func (o *fakeObserver) OnConnectionFailed(s *PeerSession) {
	o.mu.Lock()
	o.failed = append(o.failed, s)
	o.mu.Unlock()
}

func (o *fakeObserver) failures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failed)
}

func (o *fakeObserver) errors() []*core.NegotiationError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*core.NegotiationError(nil), o.errs...)
}

type fakeStream struct{}

func (fakeStream) ID() string                  { return "local" }
func (fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
