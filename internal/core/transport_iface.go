package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshroom/internal/domain"
)

// PeerTransport is one direct connection to a remote peer together with its
// application data channel. A local offer is never rolled back: the link
// discards the whole transport and starts over with a fresh one.
type PeerTransport interface {
	// CreateDataChannel creates the locally initiated data channel.
	CreateDataChannel(label string) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	// Send writes on the active data channel.
	Send(data []byte) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnOpen fires once the active data channel is ready.
	OnOpen(func())
	// OnClose fires once when the data channel or the connection goes away.
	OnClose(func())
	OnMessage(func([]byte))

	// Close is safe to call more than once.
	Close() error
}

// TransportFactory builds the transport for the link from self to remote.
type TransportFactory func(self, remote domain.ClientID) (PeerTransport, error)
