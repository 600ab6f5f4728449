package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/auth"
	"github.com/example/agrilink/internal/presence/channel"
)

// WSConfig tunes websocket connections.
type WSConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

func (c *WSConfig) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 4096
	}
}

// WS upgrades /ws/presence requests and pumps frames between the socket and the channel.
type WS struct {
	ch       *channel.Channel
	logger   *zap.Logger
	cfg      WSConfig
	upgrader websocket.Upgrader
}

// NewWS constructs the websocket transport.
func NewWS(ch *channel.Channel, logger *zap.Logger, cfg WSConfig) *WS {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WS{ch: ch, logger: logger, cfg: cfg}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *WS) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *WS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		logger:   h.logger,
	}
	h.logger.Info("presence connection opened", zap.String("conn", conn.id), zap.String("subject", identity.Subject))

	h.ch.Join(conn)
	go conn.writePump(h.cfg)
	ctx := context.WithoutCancel(r.Context())
	h.readLoop(ctx, conn)

	conn.close()
	h.ch.Disconnect(ctx, conn)
	h.logger.Info("presence connection closed", zap.String("conn", conn.id))
}

// readLoop dispatches frames in arrival order, which keeps each supplier's updates ordered.
func (h *WS) readLoop(ctx context.Context, c *wsConn) {
	c.ws.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warn("presence connection error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		cmd, err := channel.DecodeInbound(raw)
		if err != nil {
			h.ch.Reject(c, err)
			continue
		}
		_ = h.ch.Dispatch(ctx, c, cmd)
	}
}

type wsConn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func (c *wsConn) ID() string              { return c.id }
func (c *wsConn) Identity() auth.Identity { return c.identity }

// Send queues a frame without blocking. A full buffer closes the connection.
func (c *wsConn) Send(o channel.Outbound) bool {
	raw, err := channel.EncodeOutbound(o)
	if err != nil {
		c.logger.Error("encode presence frame", zap.String("event", o.Event), zap.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.close()
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writePump(cfg WSConfig) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush(cfg)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// flush writes frames already queued before the close signal.
func (c *wsConn) flush(cfg WSConfig) {
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			return
		}
	}
}
