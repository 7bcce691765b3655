package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyJoined = errors.New("connection already joined")

// Orchestrator holds the relay's routing rules. All state lives in Registry,
// so several orchestrators with separate registries can run in one process.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	NewID    func() domain.ClientID
}

func New(reg *app.Registry, policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Policy:   policy,
		NewID:    domain.NewClientID,
	}
}

// Session is the relay state of one connection. It is owned by the
// connection's read loop and is not safe for concurrent use.
type Session struct {
	Conn   core.SignalConnection
	RoomID domain.RoomID
	Client domain.ClientID
}

func NewSession(conn core.SignalConnection) *Session {
	return &Session{Conn: conn}
}

func (s *Session) Joined() bool { return s.Client != "" }

// Join admits the connection into a room. The joined reply and the
// peer:join announcements are queued while the room is locked, so every
// member observes joins in one order.
func (o *Orchestrator) Join(s *Session, rawRoom, rawName string) (*app.Member, error) {
	if s.Joined() {
		o.reply(s.Conn, protocol.NewError(protocol.ReasonAlreadyJoined))
		return nil, ErrAlreadyJoined
	}
	roomID, err := domain.ParseRoomID(rawRoom)
	if err != nil {
		o.reply(s.Conn, protocol.NewError(protocol.ReasonInvalidJoin))
		return nil, err
	}
	name, err := domain.ParseName(rawName)
	if err != nil {
		o.reply(s.Conn, protocol.NewError(protocol.ReasonInvalidJoin))
		return nil, err
	}

	m, err := o.Registry.Join(roomID, o.NewID(), name, s.Conn, func(self *app.Member, peers []domain.Peer, others []*app.Member) {
		o.reply(self.Conn, protocol.NewJoined(self.Peer(), peers))
		o.broadcast(others, protocol.NewPeerJoin(self.Peer()))
	})
	if err != nil {
		o.reply(s.Conn, protocol.NewError(protocol.ReasonInvalidJoin))
		return nil, err
	}

	s.RoomID = roomID
	s.Client = m.ID
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("client", string(m.ID)).Str("name", name).Msg("join")
	return m, nil
}

// Route forwards an offer, answer or candidate to the single member named in
// msg.To. Unknown targets are dropped without notice.
func (o *Orchestrator) Route(s *Session, msg *protocol.Message) {
	if !s.Joined() || !protocol.IsSignal(msg.Type) {
		return
	}
	if msg.To == "" || msg.To == s.Client {
		return
	}
	target, ok := o.Registry.Find(s.RoomID, msg.To)
	if !ok {
		log.Debug().Str("module", "orch").Str("room", string(s.RoomID)).Str("from", string(s.Client)).Str("to", string(msg.To)).Msg("signal target not in room")
		return
	}
	f, err := json.Marshal(protocol.Signal{Type: msg.Type, From: s.Client, Data: msg.Data})
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("signal marshal")
		return
	}
	o.deliver(target, f)
}

// Disconnect removes the session's member and tells the rest of the room.
func (o *Orchestrator) Disconnect(s *Session) {
	if !s.Joined() {
		return
	}
	o.Registry.Leave(s.RoomID, s.Client, func(left *app.Member, remaining []*app.Member) {
		o.broadcast(remaining, protocol.NewPeerLeave(left.ID))
	})
	log.Info().Str("module", "orch").Str("room", string(s.RoomID)).Str("client", string(s.Client)).Msg("disconnect")
	s.RoomID, s.Client = "", ""
}

// Pong answers an application-level ping; allowed before join.
func (o *Orchestrator) Pong(s *Session) {
	o.reply(s.Conn, protocol.Control{Type: protocol.TypePong})
}

func (o *Orchestrator) broadcast(to []*app.Member, v any) {
	if len(to) == 0 {
		return
	}
	f, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast marshal")
		return
	}
	for _, m := range to {
		o.deliver(m, f)
	}
}

// deliver never blocks and never reports failure to the caller.
func (o *Orchestrator) deliver(m *app.Member, f core.Frame) {
	err := m.Conn.TrySend(f)
	if err == nil {
		return
	}
	log.Debug().Err(err).Str("module", "orch").Str("client", string(m.ID)).Msg("delivery failed")
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(m) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("client", string(m.ID)).Msg("kicking slow member")
		m.Conn.Close()
	case app.DropFrame, app.NoAction:
	}
}

func (o *Orchestrator) reply(conn core.SignalConnection, v any) {
	f, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("reply marshal")
		return
	}
	if err := conn.TrySend(f); err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("reply dropped")
	}
}
