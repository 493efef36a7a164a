package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	// relay
	Port             int           `mapstructure:"port"`
	Secret           string        `mapstructure:"secret"`
	SpawnX           float64       `mapstructure:"spawn_x"`
	SpawnY           float64       `mapstructure:"spawn_y"`
	MoveRateLimit    int           `mapstructure:"move_rate_limit"`
	MoveRateInterval time.Duration `mapstructure:"move_rate_interval"`

	// websocket
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`

	// client
	RelayURL           string        `mapstructure:"relay_url"`
	ViewAddr           string        `mapstructure:"view_addr"`
	NearRadius         float64       `mapstructure:"near_radius"`
	FarRadius          float64       `mapstructure:"far_radius"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	CaptureAudio bool   `mapstructure:"capture_audio"`
	CaptureVideo bool   `mapstructure:"capture_video"`
	VideoWidth   int    `mapstructure:"video_width"`
	VideoHeight  int    `mapstructure:"video_height"`
	AudioRTPAddr string `mapstructure:"audio_rtp_addr"`
	VideoRTPAddr string `mapstructure:"video_rtp_addr"`

	PlayoutAudioAddr string `mapstructure:"playout_audio_addr"`
	PlayoutVideoAddr string `mapstructure:"playout_video_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("spawn_x", 0.0)
	v.SetDefault("spawn_y", 0.0)
	v.SetDefault("move_rate_limit", 30)
	v.SetDefault("move_rate_interval", "1s")

	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)

	v.SetDefault("relay_url", "http://localhost:8080")
	v.SetDefault("view_addr", "127.0.0.1:8090")
	v.SetDefault("near_radius", 200.0)
	v.SetDefault("far_radius", 600.0)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", "0s")

	v.SetDefault("capture_audio", true)
	v.SetDefault("capture_video", true)
	v.SetDefault("video_width", 640)
	v.SetDefault("video_height", 480)
	v.SetDefault("audio_rtp_addr", "127.0.0.1:5004")
	v.SetDefault("video_rtp_addr", "127.0.0.1:5006")

	v.SetDefault("playout_audio_addr", "")
	v.SetDefault("playout_video_addr", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then SPATIAL_* environment
// variables, then flags, each overriding the previous. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("SPATIAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("relay", cfg.RelayURL).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.NearRadius < 0 || c.FarRadius <= c.NearRadius {
		return fmt.Errorf("config: far_radius (%v) must exceed near_radius (%v)", c.FarRadius, c.NearRadius)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("config: ping_period must be positive")
	}
	if c.NegotiationTimeout < 0 {
		return fmt.Errorf("config: negotiation_timeout must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	return nil
}

// Level is the configured zerolog level, info if unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ClientFlags declares the flags cmd/client accepts.
func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.String("relay-url", "", "relay address, e.g. http://host:8080")
	fs.String("view-addr", "", "listen address of the local view API")
	fs.Float64("spawn-x", 0, "initial x position")
	fs.Float64("spawn-y", 0, "initial y position")
	fs.Bool("capture-audio", true, "publish audio from the audio RTP feed")
	fs.Bool("capture-video", true, "publish video from the video RTP feed")
	fs.String("audio-rtp-addr", "", "UDP address the Opus RTP feed arrives on")
	fs.String("video-rtp-addr", "", "UDP address the VP8 RTP feed arrives on")
	fs.String("playout-audio-addr", "", "UDP address remote audio is forwarded to")
	fs.String("playout-video-addr", "", "UDP address remote video is forwarded to")
	fs.Duration("negotiation-timeout", 0, "give up on an unanswered offer after this long, 0 waits forever")
	fs.String("log-level", "", "zerolog level")
	return fs
}

// RelayFlags declares the flags cmd/relay accepts.
func RelayFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.Int("port", 0, "listen port")
	fs.String("mode", "", "gin mode: debug or release")
	fs.Int("move-rate-limit", 0, "position updates per interval per peer, 0 unlimited")
	fs.String("log-level", "", "zerolog level")
	return fs
}
