package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

const opQueueSize = 128

// link drives negotiation with one remote peer. Every step that touches the
// transport runs on the link's own goroutine, in the order it was posted.
type link struct {
	c         *Coordinator
	peer      domain.Peer
	initiator bool
	polite    bool

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()

	mu    sync.Mutex
	t     core.PeerTransport
	state LinkState
	timer *time.Timer
	once  sync.Once

	// owned by run
	remoteSet   bool
	descSent    bool
	ignoreOffer bool
	pendingICE  []webrtc.ICECandidateInit
	localICE    []webrtc.ICECandidateInit
}

func newLink(c *Coordinator, peer domain.Peer, initiator bool, t core.PeerTransport) *link {
	ctx, cancel := context.WithCancel(c.ctx)
	l := &link{
		c:         c,
		peer:      peer,
		initiator: initiator,
		polite:    peer.ID.Less(c.self.ID),
		t:         t,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func(), opQueueSize),
	}

	l.bind(t)
	return l
}

// bind routes t's callbacks to the link. Callbacks from a transport that
// has since been replaced are ignored.
func (l *link) bind(t core.PeerTransport) {
	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		l.post(func() {
			if l.current(t) {
				l.localCandidate(ci)
			}
		})
	})
	t.OnOpen(func() {
		l.post(func() {
			if l.current(t) {
				l.opened()
			}
		})
	})
	t.OnClose(func() {
		if l.current(t) {
			go l.transportClosed()
		}
	})
	t.OnMessage(func(data []byte) {
		if l.current(t) {
			l.c.deliver(l.peer.ID, data)
		}
	})
}

func (l *link) transport() core.PeerTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t
}

func (l *link) current(t core.PeerTransport) bool {
	return l.transport() == t
}

func (l *link) run() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case op := <-l.ops:
			if l.ctx.Err() != nil {
				return
			}
			op()
		}
	}
}

// post queues op for the link goroutine. It gives up once the link is closed.
func (l *link) post(op func()) {
	select {
	case l.ops <- op:
	case <-l.ctx.Done():
	}
}

func (l *link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(s LinkState) {
	l.mu.Lock()
	if l.state == s || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.c.stateChanged(l.peer, s)
}

func (l *link) armTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil || l.c.opts.NegotiationTimeout <= 0 {
		return
	}
	l.timer = time.AfterFunc(l.c.opts.NegotiationTimeout, func() {
		l.post(l.timedOut)
	})
}

// offer opens negotiation from this side.
func (l *link) offer() {
	t := l.transport()
	if err := t.CreateDataChannel(l.c.opts.ChannelLabel); err != nil {
		l.fail(err, "create data channel")
		return
	}
	sd, err := t.CreateOffer()
	if err != nil {
		l.fail(err, "create offer")
		return
	}
	l.setState(StateNegotiating)
	l.armTimeout()
	if err := l.c.signal.Send(protocol.TypeOffer, l.peer.ID, sd); err != nil {
		l.fail(err, "send offer")
		return
	}
	l.descriptionSent()
}

func (l *link) remoteOffer(sd webrtc.SessionDescription) {
	if l.transport().SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !l.polite {
			// Candidates for the ignored offer follow it and are dropped too.
			log.Debug().Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("offer collision, keeping ours")
			l.ignoreOffer = true
			return
		}
		log.Debug().Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("offer collision, replacing transport")
		if err := l.replaceTransport(); err != nil {
			l.fail(err, "replace transport")
			return
		}
	}

	t := l.transport()
	if err := t.SetRemoteDescription(sd); err != nil {
		l.fail(err, "apply offer")
		return
	}
	l.remoteApplied()

	answer, err := t.CreateAnswer()
	if err != nil {
		l.fail(err, "create answer")
		return
	}
	l.setState(StateNegotiating)
	l.armTimeout()
	if err := l.c.signal.Send(protocol.TypeAnswer, l.peer.ID, answer); err != nil {
		l.fail(err, "send answer")
		return
	}
	l.descriptionSent()
}

func (l *link) remoteAnswer(sd webrtc.SessionDescription) {
	t := l.transport()
	if t.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debug().Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("answer without outstanding offer")
		return
	}
	l.ignoreOffer = false
	if err := t.SetRemoteDescription(sd); err != nil {
		l.fail(err, "apply answer")
		return
	}
	l.remoteApplied()
}

// replaceTransport abandons the local offer by swapping in a fresh
// transport for the same peer. The negotiation timer keeps running.
func (l *link) replaceTransport() error {
	fresh, err := l.c.newTransport(l.c.Self().ID, l.peer.ID)
	if err != nil {
		return err
	}
	l.bind(fresh)

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		_ = fresh.Close()
		return l.ctx.Err()
	}
	old := l.t
	l.t = fresh
	l.mu.Unlock()

	if err := old.Close(); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("close replaced transport")
	}
	l.remoteSet = false
	l.descSent = false
	l.localICE = nil
	return nil
}

func (l *link) remoteCandidate(ci webrtc.ICECandidateInit) {
	if l.ignoreOffer {
		log.Debug().Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("candidate for ignored offer")
		return
	}
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, ci)
		return
	}
	if err := l.transport().AddICECandidate(ci); err != nil {
		l.fail(err, "add candidate")
	}
}

func (l *link) remoteApplied() {
	l.remoteSet = true
	queued := l.pendingICE
	l.pendingICE = nil
	t := l.transport()
	for _, ci := range queued {
		if err := t.AddICECandidate(ci); err != nil {
			l.fail(err, "add queued candidate")
			return
		}
	}
}

// localCandidate holds our candidates until the remote side has our
// description, so it never sees a candidate for a link it does not know.
func (l *link) localCandidate(ci webrtc.ICECandidateInit) {
	if !l.descSent {
		l.localICE = append(l.localICE, ci)
		return
	}
	l.sendCandidate(ci)
}

func (l *link) descriptionSent() {
	l.descSent = true
	queued := l.localICE
	l.localICE = nil
	for _, ci := range queued {
		l.sendCandidate(ci)
	}
}

func (l *link) sendCandidate(ci webrtc.ICECandidateInit) {
	if err := l.c.signal.Send(protocol.TypeICE, l.peer.ID, ci); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("send candidate")
	}
}

func (l *link) opened() {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	l.setState(StateOpen)
	l.c.linkOpened(l.peer.ID)
	log.Info().Str("module", "mesh").Str("peer", string(l.peer.ID)).Str("name", l.peer.Name).Msg("link open")
}

func (l *link) timedOut() {
	if l.State() == StateOpen {
		return
	}
	log.Warn().Str("module", "mesh").Str("peer", string(l.peer.ID)).Dur("after", l.c.opts.NegotiationTimeout).Msg("negotiation timed out")
	l.shutdown(true)
}

func (l *link) fail(err error, step string) {
	log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peer.ID)).Str("step", step).Msg("negotiation failed")
	l.shutdown(true)
}

func (l *link) transportClosed() {
	retry := l.State() != StateOpen
	l.shutdown(retry)
}

// shutdown closes the transport and removes the link. retry asks the
// coordinator to renegotiate if this side initiates and the peer stays.
func (l *link) shutdown(retry bool) {
	l.once.Do(func() {
		l.cancel()
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
		}
		t := l.t
		l.mu.Unlock()

		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("close transport")
		}
		l.setState(StateClosed)
		l.c.linkClosed(l, retry && l.initiator)
	})
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	err := json.Unmarshal(raw, &sd)
	return sd, err
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	err := json.Unmarshal(raw, &ci)
	return ci, err
}
