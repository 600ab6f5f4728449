// Package tracking runs on a supplier's device and decides when to publish its position.
//
// A Tracker moves between three states. Idle is the resting state. Start moves
// to AwaitingChannelReady, and the first ChannelReady enters Tracking, where two
// tasks run side by side: a heartbeat that re-samples the device and always
// transmits, and a position watch that only transmits after significant
// movement. Both tasks belong to one session and are always torn down together.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/agrilink/internal/geo"
)

// ErrNotConnected is returned by publishers while the channel is down.
var ErrNotConnected = errors.New("presence channel not connected")

// State is the tracker lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingChannelReady
	Tracking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingChannelReady:
		return "awaiting-channel-ready"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Position is one fix from the device location source.
type Position struct {
	Point     geo.Point
	Heading   *float64
	Speed     *float64
	Timestamp time.Time
}

// Sample is a transmitted position.
type Sample struct {
	SupplierID string
	Latitude   float64
	Longitude  float64
	Heading    *float64
	Speed      *float64
	Timestamp  time.Time
}

// LocationSource is the device geolocation API.
type LocationSource interface {
	CurrentPosition(ctx context.Context) (Position, error)
	// Watch delivers position changes until the returned cancel func is called.
	Watch(ctx context.Context, onPosition func(Position), onError func(error)) (cancel func(), err error)
}

// Publisher sends presence events over the broadcast channel.
type Publisher interface {
	PublishLocation(ctx context.Context, s Sample) error
	PublishOffline(ctx context.Context, supplierID string) error
}

// Persister stores transmitted samples durably.
type Persister interface {
	Persist(ctx context.Context, s Sample) error
}

// ResumeStore holds the "tracking was active" flag across restarts.
type ResumeStore interface {
	Load() (bool, error)
	Save(active bool) error
}

// Config tunes the tracker. PersistQueue bounds samples waiting for the
// Persister; overflow is dropped.
type Config struct {
	SupplierID   string
	Heartbeat    time.Duration
	MinDistance  float64
	FixTimeout   time.Duration
	PersistQueue int
}

// Tracker is the Tracking Loop state machine.
type Tracker struct {
	cfg       Config
	source    LocationSource
	pub       Publisher
	persister Persister
	store     ResumeStore
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	connected bool
	parent    context.Context
	session   *session

	sendMu   sync.Mutex
	lastSent *geo.Point
}

// New builds an idle tracker. persister may be nil.
func New(cfg Config, source LocationSource, pub Publisher, persister Persister, store ResumeStore, logger *zap.Logger) *Tracker {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.MinDistance <= 0 {
		cfg.MinDistance = 20
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 15 * time.Second
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = 32
	}
	if store == nil {
		store = NewMemoryResumeStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:       cfg,
		source:    source,
		pub:       pub,
		persister: persister,
		store:     store,
		logger:    logger,
		parent:    context.Background(),
	}
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Resume reads the persisted flag once and starts tracking if it was set.
func (t *Tracker) Resume(ctx context.Context) (bool, error) {
	active, err := t.store.Load()
	if err != nil {
		return false, fmt.Errorf("load resume flag: %w", err)
	}
	if !active {
		return false, nil
	}
	t.logger.Info("resuming tracking after restart", zap.String("supplier_id", t.cfg.SupplierID))
	return true, t.Start(ctx)
}

// Start requests tracking. ctx bounds the lifetime of the tracking tasks.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Idle {
		return nil
	}
	if err := t.store.Save(true); err != nil {
		return fmt.Errorf("save resume flag: %w", err)
	}
	t.parent = ctx
	t.state = AwaitingChannelReady
	if t.connected {
		t.enterTrackingLocked()
	}
	return nil
}

// Stop ends tracking, announces offline and clears the resume flag. Safe to call repeatedly.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Idle {
		t.mu.Unlock()
		return nil
	}
	t.stopSessionLocked()
	t.state = Idle
	t.mu.Unlock()

	if err := t.pub.PublishOffline(ctx, t.cfg.SupplierID); err != nil {
		t.logger.Warn("offline not delivered", zap.String("supplier_id", t.cfg.SupplierID), zap.Error(err))
	}
	if err := t.store.Save(false); err != nil {
		return fmt.Errorf("clear resume flag: %w", err)
	}
	t.logger.Info("tracking stopped", zap.String("supplier_id", t.cfg.SupplierID))
	return nil
}

// ChannelReady reports that the channel is connected and registered.
func (t *Tracker) ChannelReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	if t.state == AwaitingChannelReady {
		t.enterTrackingLocked()
	}
}

// ChannelLost reports that the channel dropped. Tracking resumes on the next ChannelReady.
func (t *Tracker) ChannelLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.state == Tracking {
		t.stopSessionLocked()
		t.state = AwaitingChannelReady
		t.logger.Info("channel lost, waiting to resume", zap.String("supplier_id", t.cfg.SupplierID))
	}
}

func (t *Tracker) enterTrackingLocked() {
	s, err := startSession(t.parent, t)
	if err != nil {
		t.logger.Warn("position watch unavailable, heartbeat only", zap.Error(err))
	}
	t.session = s
	t.state = Tracking
	t.logger.Info("tracking started", zap.String("supplier_id", t.cfg.SupplierID))
}

func (t *Tracker) stopSessionLocked() {
	if t.session != nil {
		t.session.stop()
		t.session = nil
	}
}

// sampleAndSend takes a fresh fix and always transmits it.
func (t *Tracker) sampleAndSend(ctx context.Context, s *session) {
	fixCtx, cancel := context.WithTimeout(ctx, t.cfg.FixTimeout)
	defer cancel()
	pos, err := t.source.CurrentPosition(fixCtx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("position fix failed, retrying next tick", zap.Error(err))
		}
		return
	}
	t.send(ctx, s, pos, true)
}

// send publishes pos and queues it for the persister. Watch samples within
// MinDistance of the last sent point are skipped unless force is set. A failed
// publish drops the sample and keeps the previous reference point.
func (t *Tracker) send(ctx context.Context, s *session, pos Position, force bool) {
	if ctx.Err() != nil {
		return
	}
	t.sendMu.Lock()
	if !force && t.lastSent != nil && geo.DistanceMeters(*t.lastSent, pos.Point) <= t.cfg.MinDistance {
		t.sendMu.Unlock()
		return
	}
	sample := Sample{
		SupplierID: t.cfg.SupplierID,
		Latitude:   pos.Point.Lat,
		Longitude:  pos.Point.Lng,
		Heading:    pos.Heading,
		Speed:      pos.Speed,
		Timestamp:  pos.Timestamp,
	}
	if err := t.pub.PublishLocation(ctx, sample); err != nil {
		t.sendMu.Unlock()
		if errors.Is(err, ErrNotConnected) {
			t.logger.Debug("channel down, dropping sample")
		} else {
			t.logger.Warn("publish location failed", zap.Error(err))
		}
		return
	}
	point := pos.Point
	t.lastSent = &point
	t.sendMu.Unlock()

	if s.persist == nil {
		return
	}
	select {
	case s.persist <- sample:
	default:
		t.logger.Warn("persist queue full, dropping sample", zap.String("supplier_id", sample.SupplierID))
	}
}

// persistLoop hands queued samples to the persister until the session ends.
func (t *Tracker) persistLoop(ctx context.Context, queue <-chan Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-queue:
			if err := t.persister.Persist(ctx, sample); err != nil && ctx.Err() == nil {
				t.logger.Warn("persist sample failed", zap.Error(err))
			}
		}
	}
}

// session owns the tracking tasks: heartbeat, position watch and the persist
// worker. stop cancels all of them and waits for the goroutines to exit.
type session struct {
	cancel    context.CancelFunc
	stopWatch func()
	persist   chan Sample
	wg        sync.WaitGroup
	once      sync.Once
}

func startSession(parent context.Context, t *Tracker) (*session, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &session{cancel: cancel}

	if t.persister != nil {
		s.persist = make(chan Sample, t.cfg.PersistQueue)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t.persistLoop(ctx, s.persist)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.sampleAndSend(ctx, s)
		ticker := time.NewTicker(t.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sampleAndSend(ctx, s)
			}
		}
	}()

	stopWatch, err := t.source.Watch(ctx,
		func(pos Position) { t.send(ctx, s, pos, false) },
		func(err error) { t.logger.Warn("position watch error", zap.Error(err)) },
	)
	if err != nil {
		return s, err
	}
	s.stopWatch = stopWatch
	return s, nil
}

func (s *session) stop() {
	s.once.Do(func() {
		s.cancel()
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.wg.Wait()
	})
}
