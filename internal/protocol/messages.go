// Package protocol defines the JSON messages exchanged between clients and
// the signaling relay.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/meshroom/internal/domain"
)

type Type string

const (
	TypeJoin      Type = "join"
	TypeJoined    Type = "joined"
	TypePeerJoin  Type = "peer:join"
	TypePeerLeave Type = "peer:leave"
	TypeOffer     Type = "signal:offer"
	TypeAnswer    Type = "signal:answer"
	TypeICE       Type = "signal:ice"
	TypeError     Type = "error"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
)

// Error reasons sent in an error message.
const (
	ReasonInvalidJoin   = "invalid_join"
	ReasonAlreadyJoined = "already_joined"
)

var ErrMalformed = errors.New("malformed message")

// IsSignal reports whether t is one of the routed negotiation messages.
func IsSignal(t Type) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICE:
		return true
	}
	return false
}

// Message is the union of every field any message type may carry.
// It is used for decoding; outbound messages use the typed structs below.
type Message struct {
	Type   Type            `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Self   *domain.Peer    `json:"self,omitempty"`
	Peers  []domain.Peer   `json:"peers,omitempty"`
	Peer   *domain.Peer    `json:"peer,omitempty"`
	ID     domain.ClientID `json:"id,omitempty"`
	To     domain.ClientID `json:"to,omitempty"`
	From   domain.ClientID `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Decode parses a single frame. Frames that are not JSON objects or carry
// no type are malformed.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if m.Type == "" {
		return nil, ErrMalformed
	}
	return &m, nil
}

type Join struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type Joined struct {
	Type  Type          `json:"type"`
	Self  domain.Peer   `json:"self"`
	Peers []domain.Peer `json:"peers"`
}

type PeerJoin struct {
	Type Type        `json:"type"`
	Peer domain.Peer `json:"peer"`
}

type PeerLeave struct {
	Type Type            `json:"type"`
	ID   domain.ClientID `json:"id"`
}

// Signal carries an offer, answer or candidate. Clients fill To, the relay
// replaces it with From before forwarding.
type Signal struct {
	Type Type            `json:"type"`
	To   domain.ClientID `json:"to,omitempty"`
	From domain.ClientID `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type Error struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

type Control struct {
	Type Type `json:"type"`
}

func NewJoin(roomID, name string) Join {
	return Join{Type: TypeJoin, RoomID: roomID, Name: name}
}

// NewJoined never encodes a null roster.
func NewJoined(self domain.Peer, peers []domain.Peer) Joined {
	if peers == nil {
		peers = []domain.Peer{}
	}
	return Joined{Type: TypeJoined, Self: self, Peers: peers}
}

func NewPeerJoin(p domain.Peer) PeerJoin {
	return PeerJoin{Type: TypePeerJoin, Peer: p}
}

func NewPeerLeave(id domain.ClientID) PeerLeave {
	return PeerLeave{Type: TypePeerLeave, ID: id}
}

func NewError(reason string) Error {
	return Error{Type: TypeError, Reason: reason}
}
