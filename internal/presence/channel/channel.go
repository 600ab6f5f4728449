// Package channel wires inbound presence commands to the registry and fans the
// resulting state out to every joined connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/auth"
	"github.com/example/agrilink/internal/presence/domain"
)

// ErrForbidden is unicast when a caller emits events for a supplier it does not own.
var ErrForbidden = errors.New("forbidden")

// Conn is one live transport connection on the channel.
// Send must not block; returning false means the frame could not be queued.
type Conn interface {
	ID() string
	Identity() auth.Identity
	Send(Outbound) bool
}

// Registry is the subset of the presence registry the channel drives.
type Registry interface {
	Register(supplierID, displayName, serviceArea, handle string) (domain.StatusEvent, []domain.PresenceSnapshot)
	RecordLocation(handle, supplierID string, lat, lng float64, heading, speed *float64) (domain.LocationEvent, error)
	SetOffline(supplierID string) (domain.StatusEvent, bool)
	HandleDisconnect(handle string) []domain.StatusEvent
	ListActive() []domain.PresenceSnapshot
	ActiveCount() int
}

// EventPublisher receives confirmed presence events. Publish must not block.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Channel is the presence broadcast group.
type Channel struct {
	reg    Registry
	events EventPublisher
	logger *zap.Logger
	tracer trace.Tracer

	// mu serializes dispatch so every subscriber sees broadcasts in the same order.
	mu    sync.Mutex
	conns map[string]Conn
}

// New constructs a channel. events may be nil.
func New(reg Registry, events EventPublisher, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		reg:    reg,
		events: events,
		logger: logger,
		tracer: otel.Tracer("presence.channel"),
		conns:  make(map[string]Conn),
	}
}

// Join subscribes conn to broadcasts.
func (c *Channel) Join(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.ID()] = conn
	connections.Set(float64(len(c.conns)))
}

// Disconnect removes conn and marks any supplier it owned offline.
func (c *Channel) Disconnect(ctx context.Context, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.conns, conn.ID())
	connections.Set(float64(len(c.conns)))

	for _, status := range c.reg.HandleDisconnect(conn.ID()) {
		c.logger.Info("supplier offline after disconnect", zap.String("supplier_id", status.SupplierID), zap.String("conn", conn.ID()))
		c.broadcastLocked(StatusFrame(status))
		c.publish(ctx, domain.Event{Status: &status})
	}
	activeSuppliers.Set(float64(c.reg.ActiveCount()))
}

// Dispatch applies one inbound command on behalf of conn. The returned error has
// already been reported to conn as an error frame.
func (c *Channel) Dispatch(ctx context.Context, conn Conn, cmd Inbound) error {
	ctx, span := c.tracer.Start(ctx, "presence.dispatch", trace.WithAttributes(
		attribute.String("presence.event", cmd.Name()),
		attribute.String("presence.conn", conn.ID()),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.dispatchLocked(ctx, conn, cmd)
	result := "ok"
	if err != nil {
		result = "rejected"
		span.RecordError(err)
		c.unicast(conn, ErrorFrame(err.Error()))
		c.logger.Debug("presence event rejected", zap.String("event", cmd.Name()), zap.String("conn", conn.ID()), zap.Error(err))
	}
	eventsTotal.WithLabelValues(cmd.Name(), result).Inc()
	return err
}

// Reject reports a frame that failed to decode. Nothing is dispatched.
func (c *Channel) Reject(conn Conn, err error) {
	eventsTotal.WithLabelValues("unknown", "rejected").Inc()
	c.unicast(conn, ErrorFrame(err.Error()))
}

func (c *Channel) dispatchLocked(ctx context.Context, conn Conn, cmd Inbound) error {
	// Transports may build commands without going through DecodeInbound.
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd := cmd.(type) {
	case RegisterCmd:
		if err := authorize(conn, cmd.SupplierID); err != nil {
			return err
		}
		status, snapshot := c.reg.Register(cmd.SupplierID, cmd.Username, cmd.ServiceArea, conn.ID())
		c.unicast(conn, ActiveListFrame(snapshot))
		c.broadcastLocked(StatusFrame(status))
		c.publish(ctx, domain.Event{Status: &status})
		activeSuppliers.Set(float64(c.reg.ActiveCount()))
		c.logger.Info("supplier registered", zap.String("supplier_id", cmd.SupplierID), zap.String("conn", conn.ID()))
	case LocationCmd:
		if err := authorize(conn, cmd.SupplierID); err != nil {
			return err
		}
		evt, err := c.reg.RecordLocation(conn.ID(), cmd.SupplierID, cmd.Latitude, cmd.Longitude, cmd.Heading, cmd.Speed)
		if err != nil {
			return err
		}
		c.broadcastLocked(LocationFrame(evt))
		c.publish(ctx, domain.Event{Location: &evt})
		activeSuppliers.Set(float64(c.reg.ActiveCount()))
	case OfflineCmd:
		if err := authorize(conn, cmd.SupplierID); err != nil {
			return err
		}
		status, changed := c.reg.SetOffline(cmd.SupplierID)
		if !changed {
			return nil
		}
		c.broadcastLocked(StatusFrame(status))
		c.publish(ctx, domain.Event{Status: &status})
		activeSuppliers.Set(float64(c.reg.ActiveCount()))
		c.logger.Info("supplier went offline", zap.String("supplier_id", cmd.SupplierID))
	case GetActiveCmd:
		c.unicast(conn, ActiveListFrame(c.reg.ListActive()))
	default:
		return domain.NewValidationError("event", fmt.Sprintf("unsupported command %T", cmd))
	}
	return nil
}

func authorize(conn Conn, supplierID string) error {
	if conn.Identity().CanPublishFor(supplierID) {
		return nil
	}
	return fmt.Errorf("%w: cannot publish presence for %s", ErrForbidden, supplierID)
}

func (c *Channel) unicast(conn Conn, frame Outbound) {
	if !conn.Send(frame) {
		broadcastDropped.Inc()
		c.logger.Warn("dropping slow presence connection", zap.String("conn", conn.ID()))
	}
}

func (c *Channel) broadcastLocked(frame Outbound) {
	for id, conn := range c.conns {
		if conn.Send(frame) {
			continue
		}
		// The transport closes a connection whose buffer overflowed and then calls Disconnect.
		broadcastDropped.Inc()
		c.logger.Warn("dropping slow presence connection", zap.String("conn", id))
		delete(c.conns, id)
	}
	connections.Set(float64(len(c.conns)))
}

func (c *Channel) publish(ctx context.Context, evt domain.Event) {
	if c.events != nil {
		c.events.Publish(ctx, evt)
	}
}
