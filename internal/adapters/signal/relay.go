package signal

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

// Hub is the relay roster the controller feeds.
type Hub interface {
	Join(conn core.SignalConnection, pos domain.Position) domain.PeerID
	Leave(id domain.PeerID)
	HandleFrame(id domain.PeerID, data []byte) error
}

// SignalWSController serves the relay's /signalling endpoint.
type SignalWSController struct {
	Hub  Hub
	Opts Options
}

func NewSignalWSController(hub Hub, opts Options) *SignalWSController {
	return &SignalWSController{Hub: hub, Opts: opts.withDefaults()}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// spawnPosition reads x and y from the query; missing or malformed values
// fall back to the configured spawn point.
func spawnPosition(c *gin.Context, fallback domain.Position) domain.Position {
	pos := fallback
	if x, err := strconv.ParseFloat(c.Query("x"), 64); err == nil {
		pos.X = x
	}
	if y, err := strconv.ParseFloat(c.Query("y"), 64); err == nil {
		pos.Y = y
	}
	return pos
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, spawn domain.Position) {
	token := c.GetString("client_token")
	pos := spawnPosition(c, spawn)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.Opts.SendBuffer)
	id := ctl.Hub.Join(conn, pos)
	logger := log.With().Str("module", "signal").Uint64("peer", uint64(id)).Str("client", token).Logger()
	logger.Info().Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go writePump(ctx, conn, ctl.Opts, &logger)
	go func() {
		defer cancel()
		defer ctl.Hub.Leave(id)
		_ = readPump(conn, ctl.Opts, &logger, func(data []byte) {
			if err := ctl.Hub.HandleFrame(id, data); err != nil {
				logger.Warn().Err(err).Msg("rejecting frame")
			}
		})
	}()
}
