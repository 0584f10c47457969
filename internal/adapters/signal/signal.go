package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/negotiation"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	defaultLabel = "browser"
	maxDropped   = 32
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Limiter    *RateLimiter
	Policy     app.Policy
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	return &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		Policy:     app.SimplePolicy{MaxDropped: maxDropped},
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

// WsSignalConn is one signaling WebSocket. All writes go through send and
// the write pump.
type WsSignalConn struct {
	sid  core.SessionID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	// dropped counts consecutive sends rejected for backpressure.
	dropped atomic.Int64
}

var (
	_ core.SignalConnection = (*WsSignalConn)(nil)
	_ negotiation.Sink      = (*WsSignalConn)(nil)
)

func newWsSignalConn(ws *websocket.Conn, sid core.SessionID) *WsSignalConn {
	return &WsSignalConn{
		sid:  sid,
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		c.dropped.Store(0)
	default:
		c.dropped.Add(1)
		return ErrBackpressure
	}
	return nil
}

// SendMessage queues an outbound negotiation message. A failed send leaves
// the message in the engine buffer for the next flush.
func (c *WsSignalConn) SendMessage(m negotiation.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.TrySend(b)
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
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	conn := newWsSignalConn(ws, sid)

	label := c.DefaultQuery("label", defaultLabel)
	sess, err := ctl.Orch.OpenSession(ctx, sid, label, conn, conn)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("open session")
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(errorResponse{Type: "error", Error: err.Error()})
		conn.Close()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ctl.writePump(connCtx, conn)
	}()
	go func() {
		defer cancel()
		ctl.readPump(connCtx, sid, conn)
		ctl.Orch.CloseSession(sess)
		ctl.forget(sid)
	}()
}

// forget drops the rate window of sid unless a newer connection with the
// same client token has taken the session over.
func (ctl *SignalWSController) forget(sid core.SessionID) {
	if ctl.Limiter == nil {
		return
	}
	if _, live := ctl.Orch.Registry.Get(sid); live {
		return
	}
	ctl.Limiter.Forget(sid)
}

type errorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
