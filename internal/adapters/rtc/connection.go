package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrChannelNotOpen = errors.New("data channel not open")

// Connection is a pion PeerConnection carrying one application data channel.
// Only the active channel reports open, close and messages; a duplicate
// inbound channel stays silent.
type Connection struct {
	pc     *webrtc.PeerConnection
	self   domain.ClientID
	remote domain.ClientID

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	onICE     func(webrtc.ICECandidateInit)
	onOpen    func()
	onClose   func()
	onMessage func([]byte)

	closeOnce  sync.Once
	notifyOnce sync.Once
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, self, remote domain.ClientID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, self: self, remote: remote}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", string(remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.notifyClose()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		if c.dc != nil {
			c.mu.Unlock()
			log.Debug().Str("module", "rtc").Str("peer", string(remote)).Str("label", dc.Label()).Msg("ignoring extra data channel")
			return
		}
		c.mu.Unlock()
		c.attach(dc)
	})

	return c, nil
}

func (c *Connection) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		fn := c.onOpen
		active := c.dc == dc
		c.mu.Unlock()
		if active && fn != nil {
			log.Debug().Str("module", "rtc").Str("peer", string(c.remote)).Str("label", dc.Label()).Msg("data channel open")
			fn()
		}
	})
	dc.OnClose(func() {
		if c.isActive(dc) {
			c.notifyClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		active := c.dc == dc
		c.mu.Unlock()
		if active && fn != nil {
			fn(msg.Data)
		}
	})
}

func (c *Connection) isActive(dc *webrtc.DataChannel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc == dc
}

func (c *Connection) notifyClose() {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Connection) CreateDataChannel(label string) error {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return err
	}
	c.attach(dc)
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(data))
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Connection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// Close tears down the channel and the peer connection. Safe to call twice.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		err = c.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.remote)).Msg("close error")
		} else {
			log.Debug().Str("module", "rtc").Str("peer", string(c.remote)).Msg("closed")
		}
		c.notifyClose()
	})
	return err
}
