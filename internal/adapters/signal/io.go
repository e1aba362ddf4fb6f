package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/peershare/internal/app/orch"
	"github.com/dkeye/peershare/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump owns every write on the socket, including health-check pings.
// A connection that has not answered the previous ping by the next tick is
// terminated.
func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if !c.alive.Swap(false) {
				log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("health check failed, terminating")
				c.Close()
				return
			}
			deadline := time.Now().Add(ctl.cfg.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *orch.Session, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(sess)
		ctl.limiter.Forget(sess.ID)
		c.Close()
	}()

	for ctx.Err() == nil {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || !c.IsOpen() {
				log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Msg("connection closed")
			} else {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("readPump read error")
			}
			return
		}
		if !ctl.limiter.Allow(sess.ID) {
			log.Warn().Str("module", "signal").Str("sid", string(sess.ID)).Msg("frame rate limit exceeded, dropping")
			continue
		}
		ctl.Orch.HandleFrame(sess, data)
	}
}
