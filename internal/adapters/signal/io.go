package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writePump drains the send queue and keeps the connection alive with pings.
func writePump(ctx context.Context, c *WsSignalConn, opts Options, logger *zerolog.Logger) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteWait))
			return
		case <-c.quit:
			logger.Debug().Msg("writePump connection closed")
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

// readPump hands every text frame to handle until the connection fails.
// The returned error is the read error that ended the pump.
func readPump(c *WsSignalConn, opts Options, logger *zerolog.Logger, handle func(data []byte)) error {
	defer c.Close()

	c.conn.SetReadLimit(opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				logger.Info().Msg("readPump closed")
			} else {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return err
		}
		if kind != websocket.TextMessage {
			logger.Debug().Int("kind", kind).Msg("ignoring non-text frame")
			continue
		}
		handle(data)
	}
}
