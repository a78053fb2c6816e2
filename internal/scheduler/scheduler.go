// Package scheduler drives the collect, derive and publish pipeline on a
// fixed interval, one cycle at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"solana-validator-exporter/internal/collector"
	"solana-validator-exporter/internal/metrics"
)

type State int32

const (
	Idle State = iota
	Collecting
	Deriving
	Publishing
)

var states = []State{Idle, Collecting, Deriving, Publishing}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Deriving:
		return "deriving"
	case Publishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Cycle outcomes, as counted in solana_exporter_cycles_total.
const (
	OutcomeSuccess     = "success"
	OutcomePartialData = "partial_data"
	OutcomeTimeout     = "timeout"
	OutcomeDeriveError = "derive_error"
	OutcomeCancelled   = "cancelled"
)

// ErrCycleRunning is returned by Trigger while a cycle is in progress.
var ErrCycleRunning = errors.New("cycle already running")

type SnapshotCollector interface {
	Collect(ctx context.Context, timeout time.Duration) (*collector.Snapshot, error)
}

type MetricDeriver interface {
	Derive(ctx context.Context, snap *collector.Snapshot) (*metrics.DerivedMetricSet, error)
}

type Publisher interface {
	Publish(set *metrics.DerivedMetricSet)
}

type Config struct {
	PollInterval time.Duration
	CycleTimeout time.Duration
}

type Scheduler struct {
	collector SnapshotCollector
	deriver   MetricDeriver
	publisher Publisher
	cfg       Config
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	running     atomic.Bool
	state       atomic.Int32
	lastSuccess atomic.Int64
	wg          sync.WaitGroup
	hooks       []func(ctx context.Context)
}

func New(c SnapshotCollector, d MetricDeriver, p Publisher, cfg Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		collector: c,
		deriver:   d,
		publisher: p,
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
	s.setState(Idle)
	return s
}

// AfterCycle registers fn to run at the end of every cycle, successful or
// not. Hooks must be registered before Run.
func (s *Scheduler) AfterCycle(fn func(ctx context.Context)) {
	s.hooks = append(s.hooks, fn)
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastSuccess is when the last cycle was published, zero before the first.
func (s *Scheduler) LastSuccess() time.Time {
	ns := s.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	if s.metrics == nil {
		return
	}
	for _, st := range states {
		v := 0.0
		if st == state {
			v = 1
		}
		s.metrics.SchedulerState.WithLabelValues(st.String()).Set(v)
	}
}

// Run starts a cycle immediately and then on every tick until ctx is done.
// It waits for the running cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infow("Starting scheduler",
		"poll_interval", s.cfg.PollInterval,
		"cycle_timeout", s.cfg.CycleTimeout)

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	_ = s.Trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Stopping scheduler")
			s.wg.Wait()
			return nil
		case <-ticker.Chan():
			_ = s.Trigger(ctx)
		}
	}
}

// Trigger starts a cycle in the background unless one is already running,
// in which case the tick is dropped and counted.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.SkippedTicks.Inc()
		}
		s.logger.Warnw("Previous cycle still running, skipping tick", "state", s.State().String())
		return ErrCycleRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_ = s.runCycle(ctx)
	}()
	return nil
}

// Wait blocks until the running cycle, if any, has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runCycle(parent context.Context) error {
	ctx := parent
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.cfg.CycleTimeout)
		defer cancel()
	}

	start := s.clock.Now()
	defer func() {
		for _, hook := range s.hooks {
			hook(parent)
		}
	}()

	s.setState(Collecting)
	snap, err := s.collector.Collect(ctx, s.cfg.CycleTimeout)
	s.observe("collect", start)
	if err != nil {
		return s.fail(ctx, "collect", err)
	}

	s.setState(Deriving)
	deriveStart := s.clock.Now()
	set, err := s.deriver.Derive(ctx, snap)
	s.observe("derive", deriveStart)
	// A set returned without error has been committed to the cache, so it is
	// published even when the deadline passed right after.
	if err != nil {
		return s.fail(ctx, "derive", err)
	}

	s.setState(Publishing)
	now := s.clock.Now()
	set.PublishedAt = now
	s.publisher.Publish(set)
	s.lastSuccess.Store(now.UnixNano())
	s.observe("total", start)

	if s.metrics != nil {
		s.metrics.Cycles.WithLabelValues(OutcomeSuccess).Inc()
		s.metrics.LastSuccess.Set(float64(now.Unix()))
	}
	s.logger.Infow("Cycle published",
		"epoch", snap.Epoch(),
		"slot", snap.Slot,
		"series", set.Len(),
		"duration", s.clock.Since(start))

	s.setState(Idle)
	return nil
}

func (s *Scheduler) observe(stage string, since time.Time) {
	if s.metrics != nil {
		s.metrics.CycleDuration.WithLabelValues(stage).Observe(s.clock.Since(since).Seconds())
	}
}

// fail leaves the published set untouched and returns to Idle.
func (s *Scheduler) fail(ctx context.Context, stage string, err error) error {
	outcome := OutcomeDeriveError
	var cerr *collector.CollectionError
	switch {
	case errors.As(err, &cerr):
		outcome = OutcomePartialData
		if cerr.Kind == collector.Timeout {
			outcome = OutcomeTimeout
		}
		if s.metrics != nil {
			for _, q := range cerr.Failed {
				s.metrics.CollectionFailures.WithLabelValues(q).Inc()
			}
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
	case errors.Is(err, context.Canceled):
		outcome = OutcomeCancelled
	}

	if s.metrics != nil {
		s.metrics.Cycles.WithLabelValues(outcome).Inc()
		s.metrics.StaleCycles.Inc()
	}
	s.logger.Errorw("Cycle failed, keeping previously published metrics",
		"stage", stage,
		"outcome", outcome,
		"last_success", s.LastSuccess(),
		"error", err)

	s.setState(Idle)
	return err
}
