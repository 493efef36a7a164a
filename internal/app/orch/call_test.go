package orch_test

import (
	"context"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Spatial/internal/adapters/rtc"
	"github.com/dkeye/Spatial/internal/adapters/signal"
	"github.com/dkeye/Spatial/internal/app/orch"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/relay"
)

type discardSink struct{}

func (discardSink) Consume(context.Context, domain.PeerID, *webrtc.TrackRemote) {}
func (discardSink) SetFactor(domain.PeerID, float64)                            {}
func (discardSink) Drop(domain.PeerID)                                          {}

func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := rtc.NewAPI(rtc.APIOptions{LogLevel: zerolog.WarnLevel, Net: n})
		if err != nil {
			t.Fatalf("api %s: %v", ip, err)
		}
		apis = append(apis, api)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return apis
}

func joinCall(t *testing.T, relayURL string, api *webrtc.API, pos domain.Position) *orch.Coordinator {
	t.Helper()
	u, err := signal.SignallingURL(relayURL, pos)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	link, err := signal.Dial(t.Context(), u, signal.Options{PingPeriod: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := orch.NewCoordinator(link, rtc.ConnectionFactory{API: api}, orch.Options{Sink: discardSink{}})
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Hangup()
		<-c.Done()
	})
	return c
}

func waitView(t *testing.T, c *orch.Coordinator, what string, ok func(orch.View) bool) orch.View {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		v := c.View()
		if ok(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %+v", what, v)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func negotiatedWith(id domain.PeerID) func(orch.View) bool {
	return func(v orch.View) bool {
		for _, p := range v.Peers {
			if p.ID == id {
				return p.Phase == domain.Stable && p.Negotiations >= 1
			}
		}
		return false
	}
}

func TestTwoClientsNegotiateThroughRelay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := relay.NewHub(relay.HubOptions{})
	ctl := signal.NewSignalWSController(hub, signal.Options{PingPeriod: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/signalling", func(c *gin.Context) { ctl.HandleSignal(ctx, c, domain.Position{}) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")

	// Both ends are receive-only: the impolite side still offers recvonly sections.
	a := joinCall(t, srv.URL, apis[0], domain.Position{})
	waitView(t, a, "hello", func(v orch.View) bool { return v.Joined })
	b := joinCall(t, srv.URL, apis[1], domain.Position{X: 100})
	self := waitView(t, b, "hello", func(v orch.View) bool { return v.Joined }).Self

	va := waitView(t, a, "a negotiated", negotiatedWith(self.ID))
	if va.Peers[0].Role != domain.Impolite {
		t.Fatalf("first joiner role = %v, want impolite", va.Peers[0].Role)
	}
	vb := waitView(t, b, "b negotiated", negotiatedWith(va.Self.ID))
	if vb.Peers[0].Role != domain.Polite {
		t.Fatalf("late joiner role = %v, want polite", vb.Peers[0].Role)
	}
	if !vb.ReceiveOnly {
		t.Fatal("view should report receive-only")
	}

	if err := b.Move(t.Context(), domain.Position{X: 300}); err != nil {
		t.Fatalf("move: %v", err)
	}
	waitView(t, a, "attenuated factor", func(v orch.View) bool {
		return len(v.Peers) == 1 && math.Abs(v.Peers[0].Factor-0.75) < 1e-9
	})
}
