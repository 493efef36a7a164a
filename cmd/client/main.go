package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Spatial/internal/adapters/http"
	"github.com/dkeye/Spatial/internal/adapters/capture"
	"github.com/dkeye/Spatial/internal/adapters/rtc"
	sig "github.com/dkeye/Spatial/internal/adapters/signal"
	"github.com/dkeye/Spatial/internal/app/orch"
	"github.com/dkeye/Spatial/internal/app/playout"
	"github.com/dkeye/Spatial/internal/config"
	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.ClientFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("bad flags")
		return 2
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}
	zerolog.SetGlobalLevel(cfg.Level())

	atten, err := domain.NewAttenuation(cfg.NearRadius, cfg.FarRadius)
	if err != nil {
		log.Error().Err(err).Msg("bad attenuation radii")
		return 1
	}

	var stream core.LocalStream
	capOpts := capture.Options{
		Audio:     cfg.CaptureAudio,
		AudioAddr: cfg.AudioRTPAddr,
		VideoAddr: cfg.VideoRTPAddr,
	}
	if cfg.CaptureVideo {
		capOpts.Video = &capture.VideoConstraints{Width: cfg.VideoWidth, Height: cfg.VideoHeight}
	}
	local, err := capture.Acquire(ctx, capOpts)
	switch {
	case err == nil:
		stream = local
		defer capture.Release(local)
	case errors.Is(err, core.ErrDevice):
		log.Warn().Err(err).Msg("capture unavailable, joining receive-only")
	default:
		log.Error().Err(err).Msg("capture")
		return 1
	}

	api, err := rtc.NewAPI(rtc.APIOptions{LogLevel: cfg.Level()})
	if err != nil {
		log.Error().Err(err).Msg("webrtc api")
		return 1
	}
	conns := rtc.ConnectionFactory{API: api, Config: rtc.ConfigWithICE(cfg.ICEServers)}

	url, err := sig.SignallingURL(cfg.RelayURL, domain.Position{X: cfg.SpawnX, Y: cfg.SpawnY})
	if err != nil {
		log.Error().Err(err).Msg("relay url")
		return 1
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	link, err := sig.Dial(dialCtx, url, sig.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	dialCancel()
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("relay unreachable")
		return 1
	}

	call := orch.NewCoordinator(link, conns, orch.Options{
		Stream:             stream,
		Attenuation:        atten,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Sink:               playout.NewManager(playout.Targets{Audio: cfg.PlayoutAudioAddr, Video: cfg.PlayoutVideoAddr}),
	})

	srv := &http.Server{
		Addr:    cfg.ViewAddr,
		Handler: router.SetupViewRouter(cfg, call),
	}
	go func() {
		log.Info().Str("addr", cfg.ViewAddr).Msg("view API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("view server error")
		}
	}()

	code := 0
	if err := call.Run(ctx); err != nil {
		log.Error().Err(err).Msg("call ended")
		code = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("view server forced to shutdown")
	}
	log.Info().Msg("Client exited")
	return code
}
