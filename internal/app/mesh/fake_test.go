package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

type pair struct{ from, to domain.ClientID }

// fakeHub connects fakeTransports in memory. A pair opens when the
// offerer applies the answer.
type fakeHub struct {
	mu         sync.Mutex
	transports map[pair]*fakeTransport
	all        []*fakeTransport
	opens      map[pair]int
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		transports: make(map[pair]*fakeTransport),
		opens:      make(map[pair]int),
	}
}

func (h *fakeHub) factory(self, remote domain.ClientID) (core.PeerTransport, error) {
	t := &fakeTransport{hub: h, self: self, remote: remote, state: webrtc.SignalingStateStable}
	h.mu.Lock()
	h.transports[pair{self, remote}] = t
	h.all = append(h.all, t)
	h.mu.Unlock()
	return t, nil
}

func (h *fakeHub) transport(self, remote domain.ClientID) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[pair{self, remote}]
}

// transportsOf lists every transport built for the pair, oldest first.
func (h *fakeHub) transportsOf(self, remote domain.ClientID) []*fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeTransport
	for _, t := range h.all {
		if t.self == self && t.remote == remote {
			out = append(out, t)
		}
	}
	return out
}

func (h *fakeHub) counterpart(t *fakeTransport) *fakeTransport {
	return h.transport(t.remote, t.self)
}

func (h *fakeHub) openCount(a, b domain.ClientID) int {
	if b.Less(a) {
		a, b = b, a
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens[pair{a, b}]
}

func (h *fakeHub) connect(offerer *fakeTransport) {
	answerer := h.counterpart(offerer)
	if answerer == nil || answerer.isClosed() || answerer.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	a, b := offerer.self, offerer.remote
	if b.Less(a) {
		a, b = b, a
	}
	h.mu.Lock()
	h.opens[pair{a, b}]++
	h.mu.Unlock()
	offerer.markOpen()
	answerer.markOpen()
}

type fakeTransport struct {
	hub          *fakeHub
	self, remote domain.ClientID

	mu           sync.Mutex
	state        webrtc.SignalingState
	hasRemote    bool
	localChannel bool
	open         bool
	closed       bool
	candidates   []webrtc.ICECandidateInit
	seq          int

	onICE     func(webrtc.ICECandidateInit)
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (t *fakeTransport) CreateDataChannel(string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.localChannel = true
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("offer in state %s", t.state)
	}
	t.state = webrtc.SignalingStateHaveLocalOffer
	t.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s>%s", t.self, t.remote)}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("answer in state %s", t.state)
	}
	t.state = webrtc.SignalingStateStable
	t.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s>%s", t.self, t.remote)}, nil
}

// gather emits two local candidates asynchronously, like a real ICE agent.
func (t *fakeTransport) gather() {
	fn := t.onICE
	if fn == nil {
		return
	}
	base := t.seq
	t.seq += 2
	go func() {
		for i := 1; i <= 2; i++ {
			fn(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", t.self, base+i)})
		}
	}()
}

func (t *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if t.state != webrtc.SignalingStateStable {
			t.mu.Unlock()
			return fmt.Errorf("remote offer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateHaveRemoteOffer
		t.hasRemote = true
		t.mu.Unlock()
		return nil
	case webrtc.SDPTypeAnswer:
		if t.state != webrtc.SignalingStateHaveLocalOffer {
			t.mu.Unlock()
			return fmt.Errorf("remote answer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateStable
		t.hasRemote = true
		t.mu.Unlock()
		t.hub.connect(t)
		return nil
	}
	t.mu.Unlock()
	return fmt.Errorf("unsupported description %s", sd.Type)
}

func (t *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasRemote {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, ci)
	return nil
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	open := t.open && !t.closed
	t.mu.Unlock()
	if !open {
		return errors.New("channel not open")
	}
	peer := t.hub.counterpart(t)
	if peer == nil {
		return errors.New("no counterpart")
	}
	peer.receive(data)
	return nil
}

func (t *fakeTransport) receive(data []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), data...))
	}
}

func (t *fakeTransport) markOpen() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.open = true
	fn := t.onOpen
	t.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnOpen(fn func()) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasOpen := t.open
	t.open = false
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	if wasOpen {
		if peer := t.hub.counterpart(t); peer != nil {
			go func() { _ = peer.Close() }()
		}
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

type sentMsg struct {
	Type protocol.Type
	To   domain.ClientID
	Data json.RawMessage
}

// fakeSignal is a relay connection driven by the test. When attached to a
// fakeRelay its sends are routed to the other fakeSignals.
type fakeSignal struct {
	id    domain.ClientID
	relay *fakeRelay
	in    chan *protocol.Message

	mu     sync.Mutex
	sent   []sentMsg
	joined bool
	closed bool
}

func newFakeSignal(id domain.ClientID) *fakeSignal {
	return &fakeSignal{id: id, in: make(chan *protocol.Message, 256)}
}

func (s *fakeSignal) Connect(context.Context) error { return nil }

func (s *fakeSignal) Join(string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = true
	return nil
}

func (s *fakeSignal) Send(t protocol.Type, to domain.ClientID, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("closed")
	}
	s.sent = append(s.sent, sentMsg{Type: t, To: to, Data: raw})
	s.mu.Unlock()
	if s.relay != nil {
		s.relay.route(&protocol.Message{Type: t, From: s.id, Data: raw}, to)
	}
	return nil
}

func (s *fakeSignal) Incoming() <-chan *protocol.Message { return s.in }

func (s *fakeSignal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSignal) push(m *protocol.Message) { s.in <- m }

func (s *fakeSignal) sentOf(t protocol.Type) []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMsg
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSignal) all() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

// fakeRelay forwards between fakeSignals and can hold traffic so tests
// can line up concurrent offers.
type fakeRelay struct {
	mu      sync.Mutex
	members map[domain.ClientID]*fakeSignal
	held    bool
	pending []routed
}

type routed struct {
	msg *protocol.Message
	to  domain.ClientID
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{members: make(map[domain.ClientID]*fakeSignal)}
}

func (r *fakeRelay) signal(id domain.ClientID) *fakeSignal {
	s := newFakeSignal(id)
	s.relay = r
	r.mu.Lock()
	r.members[id] = s
	r.mu.Unlock()
	return s
}

func (r *fakeRelay) route(m *protocol.Message, to domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		r.pending = append(r.pending, routed{m, to})
		return
	}
	if dst, ok := r.members[to]; ok {
		dst.in <- m
	}
}

func (r *fakeRelay) hold() {
	r.mu.Lock()
	r.held = true
	r.mu.Unlock()
}

func (r *fakeRelay) pendingOf(t protocol.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pending {
		if p.msg.Type == t {
			n++
		}
	}
	return n
}

func (r *fakeRelay) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = false
	for _, p := range r.pending {
		if dst, ok := r.members[p.to]; ok {
			dst.in <- p.msg
		}
	}
	r.pending = nil
}

func testOptions() Options {
	return Options{
		ChannelLabel:       "mesh",
		NegotiationTimeout: 5 * time.Second,
		MaxRetries:         0,
		RetryDelay:         10 * time.Millisecond,
	}
}

// joinAs creates a coordinator that believes it joined as self with peers
// already in the room.
func joinAs(t *testing.T, sig *fakeSignal, hub *fakeHub, opts Options, self domain.ClientID, peers ...domain.Peer) *Coordinator {
	t.Helper()
	return joinWith(t, sig, hub.factory, opts, self, peers...)
}

func joinWith(t *testing.T, sig *fakeSignal, factory core.TransportFactory, opts Options, self domain.ClientID, peers ...domain.Peer) *Coordinator {
	t.Helper()
	c := New(sig, factory, opts)
	t.Cleanup(c.Destroy)
	if peers == nil {
		peers = []domain.Peer{}
	}
	sig.push(&protocol.Message{Type: protocol.TypeJoined, Self: &domain.Peer{ID: self, Name: string(self)}, Peers: peers})
	got, err := c.Join(context.Background(), "room", string(self))
	require.NoError(t, err)
	require.Equal(t, self, got.ID)
	return c
}

func waitEvent(t *testing.T, c *Coordinator, peer domain.ClientID, state LinkState) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-c.PeerEvents():
			require.True(t, ok, "events closed")
			if ev.Peer.ID == peer && ev.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", state, peer)
		}
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (t *fakeTransport) hasLocalChannel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localChannel
}

func (s *fakeSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
