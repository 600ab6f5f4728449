// Package sink forwards confirmed presence events to out-of-core collaborators
// (history storage, the geo mirror) without ever blocking the broadcast path.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/presence/domain"
)

var (
	sinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sink_failures_total",
		Help: "Collaborator failures while consuming presence events.",
	}, []string{"sink"})

	sinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sink_dropped_total",
		Help: "Presence events dropped because a collaborator queue was full.",
	}, []string{"sink"})
)

// Sink consumes confirmed presence events.
type Sink interface {
	Name() string
	Consume(ctx context.Context, evt domain.Event) error
}

// Config tunes the async fan-out.
type Config struct {
	QueueSize      int
	ConsumeTimeout time.Duration
}

type lane struct {
	sink  Sink
	queue chan domain.Event
}

// Async delivers events to each sink on its own goroutine, preserving per-sink order.
type Async struct {
	lanes  []*lane
	logger *zap.Logger
	cfg    Config

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts one worker per sink.
func NewAsync(logger *zap.Logger, cfg Config, sinks ...Sink) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{logger: logger, cfg: cfg}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		l := &lane{sink: s, queue: make(chan domain.Event, cfg.QueueSize)}
		a.lanes = append(a.lanes, l)
		a.wg.Add(1)
		go a.run(l)
	}
	return a
}

// Publish enqueues evt for every sink. Full queues drop the event.
func (a *Async) Publish(_ context.Context, evt domain.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	for _, l := range a.lanes {
		select {
		case l.queue <- evt:
		default:
			sinkDropped.WithLabelValues(l.sink.Name()).Inc()
			a.logger.Warn("presence sink queue full, dropping event", zap.String("sink", l.sink.Name()))
		}
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		for _, l := range a.lanes {
			close(l.queue)
		}
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run(l *lane) {
	defer a.wg.Done()
	for evt := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConsumeTimeout)
		if err := l.sink.Consume(ctx, evt); err != nil {
			sinkFailures.WithLabelValues(l.sink.Name()).Inc()
			a.logger.Warn("presence sink failed", zap.String("sink", l.sink.Name()), zap.Error(err))
		}
		cancel()
	}
}
