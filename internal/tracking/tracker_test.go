package tracking_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/tracking"
)

var kathmandu = geo.Point{Lat: 27.7172, Lng: 85.3240}

// north returns p moved meters due north.
func north(p geo.Point, meters float64) geo.Point {
	return tracking.Destination(p, 0, meters)
}

type fakeSource struct {
	mu       sync.Mutex
	current  geo.Point
	onPos    func(tracking.Position)
	watching bool
	watches  int
}

func (f *fakeSource) CurrentPosition(ctx context.Context) (tracking.Position, error) {
	if err := ctx.Err(); err != nil {
		return tracking.Position{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return tracking.Position{Point: f.current, Timestamp: time.Now()}, nil
}

func (f *fakeSource) Watch(_ context.Context, onPos func(tracking.Position), _ func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPos = onPos
	f.watching = true
	f.watches++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.watching = false
	}, nil
}

func (f *fakeSource) move(p geo.Point) {
	f.mu.Lock()
	cb := f.onPos
	f.current = p
	f.mu.Unlock()
	cb(tracking.Position{Point: p, Timestamp: time.Now()})
}

func (f *fakeSource) isWatching() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching
}

type fakePublisher struct {
	mu       sync.Mutex
	fail     error
	samples  []tracking.Sample
	offlines []string
}

func (f *fakePublisher) PublishLocation(_ context.Context, s tracking.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakePublisher) PublishOffline(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlines = append(f.offlines, id)
	return nil
}

func (f *fakePublisher) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakePublisher) sent() []tracking.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracking.Sample(nil), f.samples...)
}

func (f *fakePublisher) offlineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offlines)
}

type fakePersister struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePersister) Persist(context.Context, tracking.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingPersister holds every call until the session ends.
type blockingPersister struct {
	calls atomic.Int32
}

func (b *blockingPersister) Persist(ctx context.Context, _ tracking.Sample) error {
	b.calls.Add(1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return nil
	}
}

func newTracker(t *testing.T, heartbeat time.Duration, persister tracking.Persister) (*tracking.Tracker, *fakeSource, *fakePublisher, *tracking.MemoryResumeStore) {
	t.Helper()
	src := &fakeSource{current: kathmandu}
	pub := &fakePublisher{}
	store := tracking.NewMemoryResumeStore()
	tr := tracking.New(tracking.Config{SupplierID: "S1", Heartbeat: heartbeat, MinDistance: 20}, src, pub, persister, store, nil)
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr, src, pub, store
}

func startTracking(t *testing.T, tr *tracking.Tracker, pub *fakePublisher) {
	t.Helper()
	require.NoError(t, tr.Start(context.Background()))
	tr.ChannelReady()
	require.Equal(t, tracking.Tracking, tr.State())
	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartWaitsForChannel(t *testing.T) {
	tr, _, pub, store := newTracker(t, time.Hour, nil)
	require.Equal(t, tracking.Idle, tr.State())

	require.NoError(t, tr.Start(context.Background()))
	require.Equal(t, tracking.AwaitingChannelReady, tr.State())
	active, _ := store.Load()
	require.True(t, active)
	require.Empty(t, pub.sent())

	tr.ChannelReady()
	require.Equal(t, tracking.Tracking, tr.State())
}

func TestStartWhenAlreadyConnectedTracksImmediately(t *testing.T) {
	tr, _, pub, _ := newTracker(t, time.Hour, nil)
	tr.ChannelReady()
	require.Equal(t, tracking.Idle, tr.State())

	require.NoError(t, tr.Start(context.Background()))
	require.Equal(t, tracking.Tracking, tr.State())
	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "S1", pub.sent()[0].SupplierID)
	require.Equal(t, kathmandu.Lat, pub.sent()[0].Latitude)
}

func TestWatchSuppressesSmallMovements(t *testing.T) {
	tr, src, pub, _ := newTracker(t, time.Hour, nil)
	startTracking(t, tr, pub)

	src.move(north(kathmandu, 5))
	require.Len(t, pub.sent(), 1)

	src.move(north(kathmandu, 25))
	require.Len(t, pub.sent(), 2)
}

func TestHeartbeatAlwaysSends(t *testing.T) {
	tr, _, pub, _ := newTracker(t, 20*time.Millisecond, nil)
	require.NoError(t, tr.Start(context.Background()))
	tr.ChannelReady()

	require.Eventually(t, func() bool { return len(pub.sent()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	for _, s := range pub.sent() {
		require.Equal(t, kathmandu.Lat, s.Latitude)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr, src, pub, store := newTracker(t, time.Hour, nil)
	startTracking(t, tr, pub)

	require.NoError(t, tr.Stop(context.Background()))
	require.NoError(t, tr.Stop(context.Background()))

	require.Equal(t, tracking.Idle, tr.State())
	require.Equal(t, 1, pub.offlineCount())
	require.False(t, src.isWatching())
	active, _ := store.Load()
	require.False(t, active)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	tr, _, pub, _ := newTracker(t, time.Hour, nil)
	require.NoError(t, tr.Stop(context.Background()))
	require.Zero(t, pub.offlineCount())
}

func TestChannelLossPausesAndResumes(t *testing.T) {
	tr, src, pub, store := newTracker(t, time.Hour, nil)
	startTracking(t, tr, pub)

	tr.ChannelLost()
	require.Equal(t, tracking.AwaitingChannelReady, tr.State())
	require.False(t, src.isWatching())
	active, _ := store.Load()
	require.True(t, active)

	tr.ChannelReady()
	require.Equal(t, tracking.Tracking, tr.State())
	require.True(t, src.isWatching())
	require.Eventually(t, func() bool { return len(pub.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedPublishKeepsReferencePoint(t *testing.T) {
	tr, src, pub, _ := newTracker(t, time.Hour, nil)
	startTracking(t, tr, pub)

	pub.setFail(tracking.ErrNotConnected)
	src.move(north(kathmandu, 25))
	require.Len(t, pub.sent(), 1)

	pub.setFail(nil)
	// 5m from the dropped sample but 30m from the last one actually sent.
	src.move(north(kathmandu, 30))
	require.Len(t, pub.sent(), 2)
}

func TestPersisterFailureDoesNotStopTracking(t *testing.T) {
	persister := &fakePersister{err: errors.New("history down")}
	tr, src, pub, _ := newTracker(t, time.Hour, persister)
	startTracking(t, tr, pub)

	src.move(north(kathmandu, 25))
	require.Len(t, pub.sent(), 2)
	require.Eventually(t, func() bool { return persister.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	src.move(north(kathmandu, 30))
	require.Len(t, pub.sent(), 2)
}

func TestSlowPersisterDoesNotThrottleTracking(t *testing.T) {
	persister := &blockingPersister{}
	tr, src, pub, _ := newTracker(t, 20*time.Millisecond, persister)
	require.NoError(t, tr.Start(context.Background()))
	tr.ChannelReady()

	require.Eventually(t, func() bool { return len(pub.sent()) >= 10 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return persister.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	began := time.Now()
	src.move(north(kathmandu, 500))
	require.Less(t, time.Since(began), 200*time.Millisecond)

	stopped := time.Now()
	require.NoError(t, tr.Stop(context.Background()))
	require.Less(t, time.Since(stopped), time.Second)
}

func TestResumeRestartsTracking(t *testing.T) {
	tr, _, _, store := newTracker(t, time.Hour, nil)
	require.NoError(t, store.Save(true))

	resumed, err := tr.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, tracking.AwaitingChannelReady, tr.State())
}

func TestResumeWithoutFlagStaysIdle(t *testing.T) {
	tr, _, _, _ := newTracker(t, time.Hour, nil)
	resumed, err := tr.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, tracking.Idle, tr.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", tracking.Idle.String())
	require.Equal(t, "awaiting-channel-ready", tracking.AwaitingChannelReady.String())
	require.Equal(t, "tracking", tracking.Tracking.String())
}
