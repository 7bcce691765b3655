package signal

import (
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid string, sess *orch.Session, msg *protocol.Message) {
	m, err := ctl.Orch.Join(sess, msg.RoomID, msg.Name)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", sid).Str("room", msg.RoomID).Msg("join rejected")
		return
	}
	log.Info().Str("module", "signal").Str("sid", sid).Str("room", string(sess.RoomID)).Str("client", string(m.ID)).Msg("joined")
}
