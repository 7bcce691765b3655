package app

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrDuplicateClient = errors.New("client already in room")

// Member is one joined connection. Immutable once joined.
type Member struct {
	ID   domain.ClientID
	Name string
	Conn core.SignalConnection
}

func (m *Member) Peer() domain.Peer {
	return domain.Peer{ID: m.ID, Name: m.Name}
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

// JoinFunc runs under the registry lock right after a member is inserted.
// peers is the roster as it was before the join; others are the members to
// announce the newcomer to.
type JoinFunc func(self *Member, peers []domain.Peer, others []*Member)

// LeaveFunc runs under the registry lock right after a member is removed.
type LeaveFunc func(left *Member, remaining []*Member)

type room struct {
	members map[domain.ClientID]*Member
}

// Registry maps room ids to their members. A room exists only while it has
// at least one member. Callbacks passed to Join and Leave must not block and
// must not call back into the registry.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*room)}
}

func (r *Registry) Join(
	roomID domain.RoomID,
	clientID domain.ClientID,
	name string,
	conn core.SignalConnection,
	fn JoinFunc,
) (*Member, error) {
	roomID, err := domain.ParseRoomID(string(roomID))
	if err != nil {
		return nil, err
	}
	name, err = domain.ParseName(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[domain.ClientID]*Member)}
	}
	if _, dup := rm.members[clientID]; dup {
		return nil, ErrDuplicateClient
	}

	peers := make([]domain.Peer, 0, len(rm.members))
	others := make([]*Member, 0, len(rm.members))
	for _, m := range rm.members {
		peers = append(peers, m.Peer())
		others = append(others, m)
	}

	m := &Member{ID: clientID, Name: name, Conn: conn}
	rm.members[clientID] = m
	r.rooms[roomID] = rm
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("client", string(clientID)).Int("members", len(rm.members)).Msg("member joined")

	if fn != nil {
		fn(m, peers, others)
	}
	return m, nil
}

// Leave is a no-op when the room or the member is already gone.
func (r *Registry) Leave(roomID domain.RoomID, clientID domain.ClientID, fn LeaveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	m, ok := rm.members[clientID]
	if !ok {
		return
	}
	delete(rm.members, clientID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room removed")
	}
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("client", string(clientID)).Msg("member left")

	if fn != nil {
		remaining := make([]*Member, 0, len(rm.members))
		for _, other := range rm.members {
			remaining = append(remaining, other)
		}
		fn(m, remaining)
	}
}

func (r *Registry) ListPeers(roomID domain.RoomID, excluding domain.ClientID) []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return []domain.Peer{}
	}
	out := make([]domain.Peer, 0, len(rm.members))
	for id, m := range rm.members {
		if id == excluding {
			continue
		}
		out = append(out, m.Peer())
	}
	return out
}

func (r *Registry) Find(roomID domain.RoomID, clientID domain.ClientID) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	m, ok := rm.members[clientID]
	return m, ok
}

func (r *Registry) HasRoom(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Rooms lists live rooms ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, rm := range r.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(rm.members)})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
