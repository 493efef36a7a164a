package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NearRadius != 200 || cfg.FarRadius != 600 {
		t.Fatalf("radii = %v/%v", cfg.NearRadius, cfg.FarRadius)
	}
	if cfg.PingPeriod != 54*time.Second || cfg.ReadLimit != 32768 {
		t.Fatalf("ws = %v/%v", cfg.PingPeriod, cfg.ReadLimit)
	}
	if cfg.NegotiationTimeout != 0 {
		t.Fatalf("negotiation timeout = %v, want disabled", cfg.NegotiationTimeout)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("level = %v", cfg.Level())
	}
}

func TestEnvAndFlagsOverride(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SPATIAL_FAR_RADIUS", "800")
	t.Setenv("SPATIAL_RELAY_URL", "http://env:1")

	fs := ClientFlags()
	if err := fs.Parse([]string{"--relay-url", "http://flag:2", "--negotiation-timeout", "3s", "--spawn-x", "12.5"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FarRadius != 800 {
		t.Fatalf("far radius = %v", cfg.FarRadius)
	}
	if cfg.RelayURL != "http://flag:2" {
		t.Fatalf("relay url = %q", cfg.RelayURL)
	}
	if cfg.NegotiationTimeout != 3*time.Second || cfg.SpawnX != 12.5 {
		t.Fatalf("flags = %v %v", cfg.NegotiationTimeout, cfg.SpawnX)
	}
	if cfg.VideoWidth != 640 {
		t.Fatalf("unset flag clobbered default: %v", cfg.VideoWidth)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "port: 9000\nnear_radius: 50\nfar_radius: 100\nice_servers: []\nlog_level: debug\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.NearRadius != 50 || len(cfg.ICEServers) != 0 || cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsBadRadii(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("SPATIAL_NEAR_RADIUS", "700")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for near >= far")
	}
}
