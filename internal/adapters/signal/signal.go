package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tunes a relay connection.
type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    65536,
		PingPeriod:   54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    5 * time.Second,
		SendBuffer:   64,
		RateLimit:    200,
		RateInterval: time.Second,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *RateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	ctl := &SignalWSController{
		Orch: o,
		opts: opts,
	}
	if opts.RateLimit > 0 {
		ctl.limiter = NewRateLimiter(opts.RateLimit, opts.RateInterval)
	}
	return ctl
}

// WsSignalConn is the relay side of one client socket. The write pump owns
// all writes; everyone else enqueues through TrySend.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := uuid.NewString()
	log.Info().Str("module", "signal").Str("sid", sid).Str("remote", c.ClientIP()).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	sess := orch.NewSession(conn)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, sid, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, sess)
	}()
}
