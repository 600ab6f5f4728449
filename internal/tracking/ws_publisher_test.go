package tracking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/handler"
	"github.com/example/agrilink/internal/presence/registry"
	"github.com/example/agrilink/internal/tracking"
)

func TestTrackerOverWebsocket(t *testing.T) {
	reg := registry.New(nil)
	ch := channel.New(reg, nil, nil)
	srv := httptest.NewServer(handler.NewRouter(handler.RouterConfig{
		WS: handler.NewWS(ch, nil, handler.WSConfig{}),
	}))
	t.Cleanup(srv.Close)

	pub := tracking.NewWSPublisher(tracking.WSConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence",
		SupplierID: "S1",
		Username:   "Ram",
		MinBackoff: 10 * time.Millisecond,
	}, nil, nil)
	src := &fakeSource{current: kathmandu}
	tr := tracking.New(tracking.Config{SupplierID: "S1", Heartbeat: time.Hour}, src, pub, nil, nil, nil)
	pub.SetListener(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, tr.Start(ctx))
	require.Eventually(t, func() bool {
		entry, ok := reg.Get("S1")
		return ok && entry.IsActive && entry.LastLocation != nil
	}, 3*time.Second, 10*time.Millisecond)
	entry, _ := reg.Get("S1")
	require.Equal(t, "Ram", entry.DisplayName)
	require.InDelta(t, kathmandu.Lat, entry.LastLocation.Latitude, 1e-9)

	require.NoError(t, tr.Stop(context.Background()))
	require.Eventually(t, func() bool {
		entry, ok := reg.Get("S1")
		return ok && !entry.IsActive
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWSPublisherWithoutConnection(t *testing.T) {
	pub := tracking.NewWSPublisher(tracking.WSConfig{URL: "ws://127.0.0.1:1/ws/presence"}, nil, nil)
	err := pub.PublishLocation(context.Background(), tracking.Sample{SupplierID: "S1"})
	require.ErrorIs(t, err, tracking.ErrNotConnected)
	require.ErrorIs(t, pub.PublishOffline(context.Background(), "S1"), tracking.ErrNotConnected)
}

func TestHTTPPersisterPostsSample(t *testing.T) {
	var (
		mu   sync.Mutex
		got  history.Sample
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	p := tracking.NewHTTPPersister(srv.URL, "tok", nil)
	require.NoError(t, p.Persist(context.Background(), tracking.Sample{SupplierID: "S1", Latitude: 27.7, Longitude: 85.3}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Bearer tok", auth)
	require.Equal(t, "S1", got.SupplierID)
	require.False(t, got.Timestamp.IsZero())
}

func TestHTTPPersisterReportsUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	err := tracking.NewHTTPPersister(srv.URL, "", nil).Persist(context.Background(), tracking.Sample{SupplierID: "S1"})
	var upstream *history.UpstreamError
	require.ErrorAs(t, err, &upstream)
}
