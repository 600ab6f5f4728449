package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/domain"
)

type capturePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (c *capturePublisher) PublishMsg(msg *nats.Msg) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestConsumePublishesLocationSamples(t *testing.T) {
	capture := &capturePublisher{}
	p := &Publisher{conn: capture, subject: "presence.locations"}
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, p.Consume(context.Background(), domain.Event{Location: &domain.LocationEvent{SupplierID: "S1", Latitude: 27.7, Longitude: 85.3, Timestamp: ts}}))
	require.NoError(t, p.Consume(context.Background(), domain.Event{Status: &domain.StatusEvent{SupplierID: "S1"}}))

	require.Len(t, capture.msgs, 1)
	msg := capture.msgs[0]
	require.Equal(t, "presence.locations", msg.Subject)
	require.Equal(t, "S1", msg.Header.Get("x-supplier-id"))
	require.JSONEq(t, `{"supplierId":"S1","latitude":27.7,"longitude":85.3,"timestamp":"2024-05-01T08:00:00Z"}`, string(msg.Data))
}

func TestPublishWrapsFailureAsUpstream(t *testing.T) {
	p := &Publisher{conn: &capturePublisher{err: errors.New("nats: connection closed")}, subject: "x"}
	err := p.Publish(context.Background(), history.Sample{SupplierID: "S1"})
	var up *history.UpstreamError
	require.ErrorAs(t, err, &up)
	require.Equal(t, "nats publish", up.Op)
}

func TestNilConnectionIsNoop(t *testing.T) {
	require.NoError(t, NewPublisher(nil, "x").Publish(context.Background(), history.Sample{}))
}
