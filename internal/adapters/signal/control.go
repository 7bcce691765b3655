package signal

import "github.com/dkeye/meshroom/internal/app/orch"

func (ctl *SignalWSController) handlePing(sess *orch.Session) {
	ctl.Orch.Pong(sess)
}
