package mesh

import (
	"encoding/json"

	"github.com/dkeye/meshroom/internal/domain"
)

// LinkState is the negotiation stage of the link to one remote peer.
type LinkState int

const (
	StateNew LinkState = iota
	StateNegotiating
	StateOpen
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PeerEvent reports a state change of the link to Peer.
type PeerEvent struct {
	Peer  domain.Peer
	State LinkState
}

// Message is application data received on a peer's data channel.
type Message struct {
	From domain.ClientID
	Data json.RawMessage
}

// PeerInfo is a roster entry with its last known link state.
type PeerInfo struct {
	Peer  domain.Peer
	State LinkState
}
