package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/domain"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes location samples straight to a NATS subject.
// It serves deployments that run without Postgres.
type Publisher struct {
	conn    msgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if conn == nil {
		return &Publisher{subject: subject}
	}
	return &Publisher{conn: conn, subject: subject}
}

// Name identifies the publisher in sink metrics.
func (p *Publisher) Name() string { return "nats" }

// Consume publishes location events; status events are ignored.
func (p *Publisher) Consume(ctx context.Context, evt domain.Event) error {
	if evt.Location == nil {
		return nil
	}
	return p.Publish(ctx, history.SampleFromEvent(*evt.Location))
}

// Publish sends one sample.
func (p *Publisher) Publish(ctx context.Context, s history.Sample) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	msg := &nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{}}
	msg.Header.Set("x-trace-id", traceIDFromContext(ctx))
	msg.Header.Set("x-supplier-id", s.SupplierID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return &history.UpstreamError{Op: "nats publish", Err: err}
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
