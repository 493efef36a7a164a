package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/adapters/signal"
	"github.com/dkeye/Spatial/internal/app"
	"github.com/dkeye/Spatial/internal/app/orch"
	"github.com/dkeye/Spatial/internal/config"
	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
	"github.com/dkeye/Spatial/internal/relay"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the cookie session. The
// relay only logs it next to the peer id; identity is the peer id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get("client_token").(string)
		if token == "" {
			token = genClientToken()
			sess.Set("client_token", token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SetupRelayRouter serves the signalling websocket and a roster snapshot.
func SetupRelayRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	r := newEngine(cfg.Mode)

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("SpatialSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(hub, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	spawn := domain.Position{X: cfg.SpawnX, Y: cfg.SpawnY}

	r.GET("/healthz", healthz)
	r.GET("/signalling", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, spawn)
	})

	api := r.Group("/api")
	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": hub.Snapshot()})
	})

	log.Info().Str("module", "adapters.http").Msg("relay router setup")
	return r
}

// ViewService is what the renderer surface needs from a call.
type ViewService interface {
	View() orch.View
	Move(ctx context.Context, pos domain.Position) error
	Renegotiate(ctx context.Context, id domain.PeerID) error
}

// SetupViewRouter serves the local rendering surface: a read-only snapshot
// and the user's position and retry requests.
func SetupViewRouter(cfg *config.Config, view ViewService) *gin.Engine {
	r := newEngine(cfg.Mode)
	r.GET("/healthz", healthz)

	api := r.Group("/api")

	api.GET("/view", func(c *gin.Context) {
		c.JSON(http.StatusOK, view.View())
	})

	// POST /api/position {"x":..,"y":..}
	api.POST("/position", func(c *gin.Context) {
		var req struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.X == nil || req.Y == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected {x, y}"})
			return
		}
		err := view.Move(c.Request.Context(), domain.Position{X: *req.X, Y: *req.Y})
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, app.ErrNotJoined):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrCallEnded), errors.Is(err, core.ErrTransport):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	api.POST("/peers/:id/renegotiate", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
			return
		}
		err = view.Renegotiate(c.Request.Context(), domain.PeerID(id))
		switch {
		case err == nil:
			c.Status(http.StatusAccepted)
		case errors.Is(err, core.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrCallEnded), errors.Is(err, core.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	log.Info().Str("module", "adapters.http").Msg("view router setup")
	return r
}
