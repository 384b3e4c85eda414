package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

type Settings struct {
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	SendQueue  int
	// RateLimit bounds joinRoom and createWebRtcTransport requests per
	// connection within RateInterval.
	RateLimit    int
	RateInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.PongWait <= 0 {
		s.PongWait = 60 * time.Second
	}
	if s.PingPeriod <= 0 || s.PingPeriod >= s.PongWait {
		s.PingPeriod = s.PongWait * 9 / 10
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 5 * time.Second
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = 64 << 10
	}
	if s.SendQueue <= 0 {
		s.SendQueue = 64
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 20
	}
	if s.RateInterval <= 0 {
		s.RateInterval = 10 * time.Second
	}
	return s
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	settings Settings
	limiter  *RateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, settings Settings) *SignalWSController {
	settings = settings.withDefaults()
	return &SignalWSController{
		Orch:     o,
		settings: settings,
		limiter:  NewRateLimiter(settings.RateLimit, settings.RateInterval),
	}
}

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
		return core.ErrBackpressure
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

// HandleSignal upgrades the request and serves one peer until the socket
// goes away or ctx is done.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, display domain.Display) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.settings.SendQueue),
	}
	peer := domain.NewPeerID()
	sess := ctl.Orch.Connect(peer, display, conn)
	log.Info().Str("module", "signal").Str("sid", string(peer)).Str("name", display.Name).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-sess.Context().Done()
		cancel()
	}()

	ctl.sendEvent(conn, app.EventConnectionSuccess, app.ConnectionSuccess{SessionID: string(peer)})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, peer, conn)
}
