package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	patternsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_learning_patterns_submitted_total",
		Help: "Patterns accepted onto the learning queue",
	})
	patternsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_learning_patterns_dropped_total",
		Help: "Patterns dropped because the learning queue was full or closed",
	})
	patternsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_learning_patterns_failed_total",
		Help: "Patterns the learner failed to accept",
	})
	patternsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_learning_patterns_delivered_total",
		Help: "Patterns delivered to the learner",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emr_learning_queue_depth",
		Help: "Patterns waiting on the learning queue",
	})
)

const (
	DefaultQueueSize = 256
	DefaultWorkers   = 2
	// DefaultLearnTimeout bounds a single Learn call.
	DefaultLearnTimeout = 5 * time.Second
)

// ErrDispatcherClosed is returned by Close when called twice.
var ErrDispatcherClosed = errors.New("learning dispatcher is closed")

// Dispatcher fans patterns out to a fixed pool of workers over a bounded queue.
// Submit never blocks: a full queue drops the pattern.
type Dispatcher struct {
	learner Learner
	queue   chan Pattern
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithLearnTimeout(d time.Duration) DispatcherOption {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.timeout = d
		}
	}
}

// NewDispatcher starts workers goroutines draining a queue of queueSize.
// Non-positive sizes fall back to the defaults.
func NewDispatcher(learner Learner, queueSize, workers int, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{
		learner: learner,
		queue:   make(chan Pattern, queueSize),
		timeout: DefaultLearnTimeout,
		logger:  logger.With().Str("component", "learning_dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

// Submit enqueues p and reports whether it was accepted.
func (d *Dispatcher) Submit(p Pattern) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		patternsDropped.Inc()
		d.logger.Warn().Str("record_id", p.RecordID.String()).Msg("learning dispatcher closed, dropping pattern")
		return false
	}

	select {
	case d.queue <- p:
		patternsSubmitted.Inc()
		queueDepth.Set(float64(len(d.queue)))
		return true
	default:
		patternsDropped.Inc()
		d.logger.Warn().
			Str("record_id", p.RecordID.String()).
			Int("capacity", cap(d.queue)).
			Msg("learning queue full, dropping pattern")
		return false
	}
}

// Close stops accepting patterns and waits for queued ones to drain, or for ctx
// to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain learning queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for p := range d.queue {
		queueDepth.Set(float64(len(d.queue)))
		d.deliver(p)
	}
}

func (d *Dispatcher) deliver(p Pattern) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			patternsFailed.Inc()
			d.logger.Warn().
				Str("record_id", p.RecordID.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("learner panicked")
		}
	}()

	if err := d.learner.Learn(ctx, p); err != nil {
		patternsFailed.Inc()
		d.logger.Warn().Err(err).
			Str("record_id", p.RecordID.String()).
			Str("actor_id", p.ActorID).
			Msg("clinical pattern learning failed")
		return
	}
	patternsDelivered.Inc()
}
