package signal

import (
	"context"
	"time"

	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid string, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", sid).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", sid).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump is the only goroutine touching sess. Leaving the loop for any
// reason removes the member from its room.
func (ctl *SignalWSController) readPump(ctx context.Context, sid string, sess *orch.Session) {
	c := sess.Conn.(*WsSignalConn)
	defer func() {
		ctl.Orch.Disconnect(sess)
		if ctl.limiter != nil {
			ctl.limiter.Forget(sid)
		}
		c.Close()
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closed")
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
		if ctl.limiter != nil && !ctl.limiter.Allow(sid) {
			log.Debug().Str("module", "signal").Str("sid", sid).Msg("rate limited")
			continue
		}
		ctl.handleSignal(sid, sess, data)
	}
}

func (ctl *SignalWSController) handleSignal(sid string, sess *orch.Session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", sid).Msg("bad json")
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		ctl.handleJoin(sid, sess, msg)
	case protocol.TypePing:
		ctl.handlePing(sess)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICE:
		ctl.Orch.Route(sess, msg)
	default:
		log.Debug().Str("module", "signal").Str("sid", sid).Str("type", string(msg.Type)).Msg("unknown signal")
	}
}
