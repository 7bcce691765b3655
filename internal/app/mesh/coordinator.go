// Package mesh keeps one direct data link to every other member of a room,
// negotiating each link through the signaling relay.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

type Options struct {
	ChannelLabel       string
	NegotiationTimeout time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
}

func DefaultOptions() Options {
	return Options{
		ChannelLabel:       "mesh",
		NegotiationTimeout: 20 * time.Second,
		MaxRetries:         2,
		RetryDelay:         time.Second,
	}
}

// Coordinator serves a single session: one Join, then Destroy. A new
// session needs a new Coordinator.
type Coordinator struct {
	signal       core.SignalChannel
	newTransport core.TransportFactory
	opts         Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.RWMutex
	self      domain.Peer
	joined    bool
	destroyed bool
	roster    map[domain.ClientID]domain.Peer
	links     map[domain.ClientID]*link
	states    map[domain.ClientID]LinkState
	retries   map[domain.ClientID]int

	events   *stream[PeerEvent]
	messages *stream[Message]

	destroyOnce sync.Once
}

func New(signal core.SignalChannel, factory core.TransportFactory, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		signal:       signal,
		newTransport: factory,
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		roster:       make(map[domain.ClientID]domain.Peer),
		links:        make(map[domain.ClientID]*link),
		states:       make(map[domain.ClientID]LinkState),
		retries:      make(map[domain.ClientID]int),
		events:       newStream[PeerEvent](),
		messages:     newStream[Message](),
	}
}

// Join connects to the relay, enters roomID and starts negotiating with
// the members already present. It returns this client's identity.
func (c *Coordinator) Join(ctx context.Context, roomID, name string) (domain.Peer, error) {
	rid, err := domain.ParseRoomID(roomID)
	if err != nil {
		return domain.Peer{}, err
	}
	n, err := domain.ParseName(name)
	if err != nil {
		return domain.Peer{}, err
	}

	c.mu.Lock()
	switch {
	case c.destroyed:
		c.mu.Unlock()
		return domain.Peer{}, ErrDestroyed
	case c.joined:
		c.mu.Unlock()
		return domain.Peer{}, ErrAlreadyJoined
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.signal.Connect(ctx); err != nil {
		return domain.Peer{}, fmt.Errorf("connect relay: %w", err)
	}
	if err := c.signal.Join(string(rid), n); err != nil {
		return domain.Peer{}, fmt.Errorf("send join: %w", err)
	}

	in := c.signal.Incoming()
	for {
		select {
		case <-ctx.Done():
			return domain.Peer{}, ctx.Err()
		case <-c.ctx.Done():
			return domain.Peer{}, ErrDestroyed
		case m, ok := <-in:
			if !ok {
				return domain.Peer{}, ErrRelayClosed
			}
			switch m.Type {
			case protocol.TypeJoined:
				if m.Self == nil {
					return domain.Peer{}, fmt.Errorf("%w: joined without identity", ErrJoinRejected)
				}
				c.joinedRoom(*m.Self, m.Peers)
				return *m.Self, nil
			case protocol.TypeError:
				return domain.Peer{}, fmt.Errorf("%w: %s", ErrJoinRejected, m.Reason)
			default:
				log.Debug().Str("module", "mesh").Str("type", string(m.Type)).Msg("ignored before joined")
			}
		}
	}
}

func (c *Coordinator) joinedRoom(self domain.Peer, peers []domain.Peer) {
	c.mu.Lock()
	c.self = self
	for _, p := range peers {
		c.roster[p.ID] = p
	}
	c.mu.Unlock()

	log.Info().Str("module", "mesh").Str("self", string(self.ID)).Int("peers", len(peers)).Msg("joined")
	for _, p := range peers {
		c.peerKnown(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.destroyed {
		c.wg.Go(c.run)
	}
}

// run handles relay messages in receive order.
func (c *Coordinator) run() {
	in := c.signal.Incoming()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				log.Warn().Str("module", "mesh").Msg("relay connection closed")
				return
			}
			c.handle(m)
		}
	}
}

func (c *Coordinator) handle(m *protocol.Message) {
	switch m.Type {
	case protocol.TypePeerJoin:
		if m.Peer == nil {
			return
		}
		c.mu.Lock()
		c.roster[m.Peer.ID] = *m.Peer
		c.mu.Unlock()
		c.peerKnown(*m.Peer)

	case protocol.TypePeerLeave:
		c.mu.Lock()
		l := c.links[m.ID]
		delete(c.roster, m.ID)
		delete(c.retries, m.ID)
		c.mu.Unlock()
		if l != nil {
			l.shutdown(false)
		}
		c.mu.Lock()
		delete(c.states, m.ID)
		c.mu.Unlock()

	case protocol.TypeOffer:
		sd, err := decodeDescription(m.Data)
		if err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(m.From)).Msg("bad offer")
			return
		}
		l := c.ensureLink(m.From)
		if l == nil {
			return
		}
		l.post(func() { l.remoteOffer(sd) })

	case protocol.TypeAnswer:
		sd, err := decodeDescription(m.Data)
		if err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(m.From)).Msg("bad answer")
			return
		}
		if l := c.link(m.From); l != nil {
			l.post(func() { l.remoteAnswer(sd) })
		}

	case protocol.TypeICE:
		ci, err := decodeCandidate(m.Data)
		if err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(m.From)).Msg("bad candidate")
			return
		}
		if l := c.link(m.From); l != nil {
			l.post(func() { l.remoteCandidate(ci) })
		} else {
			log.Debug().Str("module", "mesh").Str("peer", string(m.From)).Msg("candidate for unknown peer")
		}

	case protocol.TypeError:
		log.Warn().Str("module", "mesh").Str("reason", m.Reason).Msg("relay error")
	}
}

// peerKnown starts negotiation when this side has the smaller id.
// The other side waits for the offer.
func (c *Coordinator) peerKnown(p domain.Peer) {
	c.mu.RLock()
	self := c.self.ID
	c.mu.RUnlock()
	if p.ID == self || !self.Less(p.ID) {
		return
	}
	c.startLink(p, true)
}

func (c *Coordinator) link(id domain.ClientID) *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.links[id]
}

// ensureLink returns the link to id, creating an answering one if needed.
func (c *Coordinator) ensureLink(id domain.ClientID) *link {
	if l := c.link(id); l != nil {
		return l
	}
	c.mu.RLock()
	p, ok := c.roster[id]
	c.mu.RUnlock()
	if !ok {
		p = domain.Peer{ID: id}
	}
	return c.startLink(p, false)
}

// startLink creates the link to p unless one exists. An initiating link
// sends its offer as its first step.
func (c *Coordinator) startLink(p domain.Peer, initiator bool) *link {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	if l, ok := c.links[p.ID]; ok {
		c.mu.Unlock()
		return l
	}
	t, err := c.newTransport(c.self.ID, p.ID)
	if err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("create transport")
		return nil
	}
	l := newLink(c, p, initiator, t)
	c.links[p.ID] = l
	c.states[p.ID] = StateNew
	c.wg.Go(l.run)
	c.mu.Unlock()

	c.emit(PeerEvent{Peer: p, State: StateNew})
	if initiator {
		l.post(l.offer)
	}
	return l
}

func (c *Coordinator) stateChanged(p domain.Peer, s LinkState) {
	c.mu.Lock()
	if _, ok := c.roster[p.ID]; ok || s == StateClosed {
		c.states[p.ID] = s
	}
	c.mu.Unlock()
	c.emit(PeerEvent{Peer: p, State: s})
}

func (c *Coordinator) linkOpened(id domain.ClientID) {
	c.mu.Lock()
	delete(c.retries, id)
	c.mu.Unlock()
}

func (c *Coordinator) linkClosed(l *link, retry bool) {
	c.mu.Lock()
	if c.links[l.peer.ID] == l {
		delete(c.links, l.peer.ID)
	}
	if !retry || c.destroyed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.roster[l.peer.ID]; !ok {
		c.mu.Unlock()
		return
	}
	c.retries[l.peer.ID]++
	attempt := c.retries[l.peer.ID]
	c.mu.Unlock()

	if attempt > c.opts.MaxRetries {
		log.Warn().Str("module", "mesh").Str("peer", string(l.peer.ID)).Int("attempts", attempt-1).Msg("giving up on peer")
		return
	}
	log.Info().Str("module", "mesh").Str("peer", string(l.peer.ID)).Int("attempt", attempt).Msg("retrying negotiation")
	go c.retry(l.peer)
}

func (c *Coordinator) retry(p domain.Peer) {
	t := time.NewTimer(c.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-t.C:
	}
	c.mu.RLock()
	_, inRoster := c.roster[p.ID]
	c.mu.RUnlock()
	if inRoster {
		c.startLink(p, true)
	}
}

func (c *Coordinator) deliver(from domain.ClientID, data []byte) {
	var raw json.RawMessage
	if json.Valid(data) {
		raw = append(json.RawMessage(nil), data...)
	} else {
		raw, _ = json.Marshal(string(data))
	}
	c.messages.push(Message{From: from, Data: raw})
}

func (c *Coordinator) emit(ev PeerEvent) {
	c.events.push(ev)
}

// Broadcast sends payload, serialized once, on every open link. Links that
// are not open are skipped. It returns how many links accepted the payload.
func (c *Coordinator) Broadcast(payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	sent := 0
	for _, l := range c.openLinks() {
		if err := l.transport().Send(data); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(l.peer.ID)).Msg("broadcast send")
			continue
		}
		sent++
	}
	return sent, nil
}

// SendTo sends payload to one peer whose link is open.
func (c *Coordinator) SendTo(id domain.ClientID, payload any) error {
	l := c.link(id)
	if l == nil || l.State() != StateOpen {
		return ErrPeerNotOpen
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := l.transport().Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

func (c *Coordinator) openLinks() []*link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		if l.State() == StateOpen {
			out = append(out, l)
		}
	}
	return out
}

// Peers returns the room roster, excluding self, ordered by id.
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PeerInfo, 0, len(c.roster))
	for id, p := range c.roster {
		out = append(out, PeerInfo{Peer: p, State: c.states[id]})
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(string(a.Peer.ID), string(b.Peer.ID)) })
	return out
}

func (c *Coordinator) Self() domain.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// PeerEvents streams link state changes in order. A slow reader never
// holds up negotiation; events wait for it instead.
func (c *Coordinator) PeerEvents() <-chan PeerEvent { return c.events.out }

func (c *Coordinator) Messages() <-chan Message { return c.messages.out }

// Destroy closes the relay connection and every link, then closes both
// subscription channels. It is safe to call more than once.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		self := c.self.ID
		links := make([]*link, 0, len(c.links))
		for _, l := range c.links {
			links = append(links, l)
		}
		c.mu.Unlock()

		c.cancel()
		c.signal.Close()
		for _, l := range links {
			l.shutdown(false)
		}
		c.wg.Wait()

		c.events.close()
		c.messages.close()
		log.Info().Str("module", "mesh").Str("self", string(self)).Msg("destroyed")
	})
}
