// Package wsclient is the peer side of the signaling relay connection.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("client closed")
)

// Client manages the WebSocket connection to the relay.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer

	conn     *websocket.Conn
	incoming chan *protocol.Message
	outgoing chan []byte
	done     chan struct{}
	stopped  chan struct{}

	mu        sync.RWMutex
	connected bool
	joined    bool
	closed    bool
}

func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		dialer:    websocket.DefaultDialer,
		incoming:  make(chan *protocol.Message, 64),
		outgoing:  make(chan []byte, 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Connect dials the relay and starts the pumps. It may be called once.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.connected = true

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readPump()
	go c.writePump()

	log.Info().Str("module", "wsclient").Str("url", u.String()).Msg("connected")
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "wsclient").Msg("read loop ended")
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "wsclient").Msg("malformed frame")
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Join asks the relay to admit this connection. Only the first call is sent.
func (c *Client) Join(roomID, name string) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.enqueue(protocol.NewJoin(roomID, name)); err != nil {
		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Send forwards a negotiation message to one peer through the relay.
func (c *Client) Send(t protocol.Type, to domain.ClientID, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return c.enqueue(protocol.Signal{Type: t, To: to, Data: raw})
}

func (c *Client) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.RLock()
	closed, connected := c.closed, c.connected
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.stopped:
		return ErrClosed
	}
}

// Incoming yields relay messages in receive order. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Close is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if !c.connected {
		close(c.incoming)
	}
}
