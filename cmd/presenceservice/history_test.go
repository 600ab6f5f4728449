package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/auth"
	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/domain"
	"github.com/example/agrilink/internal/presence/handler"
	"github.com/example/agrilink/internal/presence/registry"
	"github.com/example/agrilink/internal/presence/sink"
)

type countingWriter struct {
	mu      sync.Mutex
	samples []history.Sample
}

func (c *countingWriter) Name() string { return "history" }

func (c *countingWriter) Consume(ctx context.Context, evt domain.Event) error {
	if evt.Location == nil {
		return nil
	}
	return c.Record(ctx, history.SampleFromEvent(*evt.Location))
}

func (c *countingWriter) Record(_ context.Context, s history.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *countingWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

type supplierConn struct{}

func (supplierConn) ID() string                 { return "device-1" }
func (supplierConn) Identity() auth.Identity    { return auth.Identity{} }
func (supplierConn) Send(channel.Outbound) bool { return true }

// recordBothWays sends one location over the channel and posts the same sample
// to the history endpoint, as a supplier agent with history_url set does.
func recordBothWays(t *testing.T, mode string) (*countingWriter, int) {
	t.Helper()
	writer := &countingWriter{}
	sinks, recorder := historyPaths(mode, writer)

	reg := registry.New(nil)
	events := sink.NewAsync(nil, sink.Config{}, sinks...)
	ch := channel.New(reg, events, nil)
	router := handler.NewRouter(handler.RouterConfig{REST: handler.NewREST(reg, recorder, nil)})

	conn := supplierConn{}
	ch.Join(conn)
	require.NoError(t, ch.Dispatch(context.Background(), conn, channel.LocationCmd{SupplierID: "S1", Latitude: 27.7172, Longitude: 85.3240}))

	body := `{"supplierId":"S1","latitude":27.7172,"longitude":85.3240,"timestamp":"2024-05-01T08:00:00Z"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/locations/history", strings.NewReader(body)))

	require.NoError(t, events.Close(context.Background()))
	return writer, rec.Code
}

func TestBroadcastHistoryRecordsEachSampleOnce(t *testing.T) {
	writer, code := recordBothWays(t, config.HistoryFromBroadcast)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, 1, writer.count())
}

func TestDeviceHistoryRecordsEachSampleOnce(t *testing.T) {
	writer, code := recordBothWays(t, config.HistoryFromDevice)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, 1, writer.count())
}
