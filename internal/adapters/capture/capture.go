// Package capture turns local RTP feeds into tracks a call can publish. An
// external encoder (a gstreamer or ffmpeg pipeline) sends Opus and VP8 RTP to
// the configured UDP ports.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
)

type VideoConstraints struct {
	Width  int
	Height int
}

type Options struct {
	Audio bool
	// Video is nil when no camera is requested.
	Video *VideoConstraints

	AudioAddr string
	VideoAddr string
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
)

// feed is one ingested kind: a UDP socket feeding a local track.
type feed struct {
	kind  webrtc.RTPCodecType
	track *webrtc.TrackLocalStaticRTP
	conn  net.PacketConn
	state atomic.Int32

	packets atomic.Uint64
}

// Stream is the acquired local media. It satisfies core.LocalStream.
type Stream struct {
	id     string
	feeds  []*feed
	video  *VideoConstraints
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ core.LocalStream = (*Stream)(nil)

// Acquire opens the requested feeds. Asking for nothing, or any socket
// failing, is a device error; the caller continues receive-only.
func Acquire(ctx context.Context, opts Options) (*Stream, error) {
	if !opts.Audio && opts.Video == nil {
		return nil, fmt.Errorf("%w: no audio or video requested", core.ErrDevice)
	}

	s := &Stream{id: uuid.NewString(), video: opts.Video}
	if opts.Audio {
		f, err := openFeed(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, opts.AudioAddr, s.id)
		if err != nil {
			return nil, err
		}
		s.feeds = append(s.feeds, f)
	}
	if opts.Video != nil {
		if opts.Video.Width <= 0 || opts.Video.Height <= 0 {
			s.closeFeeds()
			return nil, fmt.Errorf("%w: bad video constraints %dx%d", core.ErrDevice, opts.Video.Width, opts.Video.Height)
		}
		f, err := openFeed(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, opts.VideoAddr, s.id)
		if err != nil {
			s.closeFeeds()
			return nil, err
		}
		s.feeds = append(s.feeds, f)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, f := range s.feeds {
		s.wg.Add(1)
		go func(f *feed) {
			defer s.wg.Done()
			f.ingest(ctx)
		}(f)
	}
	log.Info().Str("module", "capture").Str("stream_id", s.id).Int("tracks", len(s.feeds)).Msg("capture acquired")
	return s, nil
}

func openFeed(kind webrtc.RTPCodecType, mime, addr, streamID string) (*feed, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: no %s source address", core.ErrDevice, kind)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s track: %w", core.ErrDevice, kind, err)
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s on %s: %w", core.ErrDevice, kind, addr, err)
	}
	return &feed{kind: kind, track: track, conn: conn}, nil
}

func (f *feed) ingest(ctx context.Context) {
	logger := log.With().Str("module", "capture").Str("kind", f.kind.String()).Str("addr", f.conn.LocalAddr().String()).Logger()
	go func() {
		<-ctx.Done()
		_ = f.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, _, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("capture read")
			}
			return
		}
		f.handle(buf[:n], &logger)
	}
}

func (f *feed) handle(data []byte, logger *zerolog.Logger) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		logger.Debug().Err(err).Msg("dropping non-RTP datagram")
		return
	}
	f.packets.Add(1)
	if TrackState(f.state.Load()) == TrackStateMuted {
		return
	}
	if err := f.track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Warn().Err(err).Msg("capture write")
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f.track)
	}
	return out
}

// Video returns the constraints the stream was acquired with, nil for audio-only.
func (s *Stream) Video() *VideoConstraints { return s.video }

// Mute stops forwarding packets of kind without tearing the track down.
func (s *Stream) Mute(kind webrtc.RTPCodecType) {
	s.setState(kind, TrackStateMuted)
}

func (s *Stream) Unmute(kind webrtc.RTPCodecType) {
	s.setState(kind, TrackStateOk)
}

func (s *Stream) setState(kind webrtc.RTPCodecType, st TrackState) {
	for _, f := range s.feeds {
		if f.kind == kind {
			f.state.Store(int32(st))
		}
	}
}

// Packets reports how many RTP packets arrived for kind.
func (s *Stream) Packets(kind webrtc.RTPCodecType) uint64 {
	var n uint64
	for _, f := range s.feeds {
		if f.kind == kind {
			n += f.packets.Load()
		}
	}
	return n
}

// LocalAddr is the bound ingest address for kind, nil if not captured.
func (s *Stream) LocalAddr(kind webrtc.RTPCodecType) net.Addr {
	for _, f := range s.feeds {
		if f.kind == kind {
			return f.conn.LocalAddr()
		}
	}
	return nil
}

func (s *Stream) closeFeeds() {
	for _, f := range s.feeds {
		_ = f.conn.Close()
	}
}

// Release stops every feed. Idempotent; a nil stream is a no-op.
func Release(s *Stream) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		log.Info().Str("module", "capture").Str("stream_id", s.id).Msg("capture released")
	})
}
