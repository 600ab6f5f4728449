package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/presence/channel"
)

// ChannelListener is told when the presence channel comes up or drops.
type ChannelListener interface {
	ChannelReady()
	ChannelLost()
}

// WSConfig configures the supplier side of the presence websocket.
type WSConfig struct {
	URL         string
	Token       string
	SupplierID  string
	Username    string
	ServiceArea string
	WriteWait   time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// OnFrame receives every decoded server frame. Optional.
	OnFrame     func(channel.Outbound)
}

// WSPublisher keeps a websocket to the presence channel open and publishes through it.
// Every (re)connect registers the supplier before the listener is told the channel is ready.
type WSPublisher struct {
	cfg      WSConfig
	listener ChannelListener
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSPublisher builds a disconnected publisher; call Run to connect.
func NewWSPublisher(cfg WSConfig, listener ChannelListener, logger *zap.Logger) *WSPublisher {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSPublisher{
		cfg:      cfg,
		listener: listener,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
	}
}

// SetListener attaches the listener. Must be called before Run.
func (p *WSPublisher) SetListener(l ChannelListener) { p.listener = l }

// Run connects and reconnects with exponential backoff until ctx ends.
func (p *WSPublisher) Run(ctx context.Context) error {
	backoff := p.cfg.MinBackoff
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.logger.Warn("presence channel unavailable", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			backoff = p.cfg.MinBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// session runs one connection until it drops. A nil error means the connection was established.
func (p *WSPublisher) session(ctx context.Context) error {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}

	p.mu.Lock()
	p.conn = conn
	err = p.writeLocked(channel.RegisterCmd{
		SupplierID:  p.cfg.SupplierID,
		Username:    p.cfg.Username,
		ServiceArea: p.cfg.ServiceArea,
	})
	p.mu.Unlock()
	if err != nil {
		p.drop(conn)
		return fmt.Errorf("register: %w", err)
	}
	p.logger.Info("presence channel ready", zap.String("supplier_id", p.cfg.SupplierID))
	if p.listener != nil {
		p.listener.ChannelReady()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	p.readLoop(conn)

	p.drop(conn)
	if p.listener != nil {
		p.listener.ChannelLost()
	}
	return nil
}

func (p *WSPublisher) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn("presence channel closed", zap.Error(err))
			}
			return
		}
		frame, err := channel.DecodeOutbound(raw)
		if err != nil {
			p.logger.Debug("ignoring unknown frame", zap.Error(err))
			continue
		}
		if frame.Event == channel.EventError {
			if payload, ok := frame.Data.(channel.ErrorPayload); ok {
				p.logger.Warn("presence channel rejected a frame", zap.String("message", payload.Message))
			}
		}
		if p.cfg.OnFrame != nil {
			p.cfg.OnFrame(frame)
		}
	}
}

func (p *WSPublisher) drop(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// PublishLocation sends a location frame, or ErrNotConnected while the channel is down.
func (p *WSPublisher) PublishLocation(_ context.Context, s Sample) error {
	return p.write(channel.LocationCmd{
		SupplierID: s.SupplierID,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Heading:    s.Heading,
		Speed:      s.Speed,
	})
}

// PublishOffline sends an offline frame, or ErrNotConnected while the channel is down.
func (p *WSPublisher) PublishOffline(_ context.Context, supplierID string) error {
	return p.write(channel.OfflineCmd{SupplierID: supplierID})
}

func (p *WSPublisher) write(cmd channel.Inbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(cmd)
}

func (p *WSPublisher) writeLocked(cmd channel.Inbound) error {
	if p.conn == nil {
		return ErrNotConnected
	}
	raw, err := channel.EncodeInbound(cmd)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.Join(ErrNotConnected, err)
	}
	return nil
}
