package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

type APIOptions struct {
	// LogLevel applies to pion's own logging.
	LogLevel zerolog.Level
	// Net replaces the OS network, e.g. with a vnet in tests.
	Net transport.Net
}

// NewAPI builds the pion API shared by every connection of a call: default
// codecs, default interceptors plus periodic PLI for received video.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Level: opts.LogLevel}}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ConfigWithICE uses the given STUN/TURN urls; none means host candidates only.
func ConfigWithICE(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

// ConnectionFactory opens one connection per peer from a shared API.
type ConnectionFactory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f ConnectionFactory) NewConnection(id domain.PeerID) (core.MediaConnection, error) {
	conn, err := NewWebRTCConnection(f.API, f.Config, id)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
