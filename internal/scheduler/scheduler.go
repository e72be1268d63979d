// Package scheduler drives the periodic reconciliation work: one tick
// runs every pass in a fixed order. Ticks are single-flight (a tick
// never starts while a previous one is still running) and the loop only
// does real work once the exchange's sink identity is available; until
// then it re-arms at a fraction of the normal interval.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"SettleCore/internal/observability"
)

// Pass is one named unit of periodic work.
type Pass struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	interval time.Duration
	ready    func() bool
	passes   []Pass
	metrics  *observability.Metrics
	log      zerolog.Logger
	inFlight atomic.Bool
}

// New builds a scheduler. ready reports whether the sink identity is
// configured; while it returns false the scheduler re-arms at
// interval/10 without running any pass.
func New(interval time.Duration, ready func() bool, passes []Pass, metrics *observability.Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		ready:    ready,
		passes:   passes,
		metrics:  metrics,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, firing one tick per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if !s.ready() {
			s.metrics.SchedulerSinkMissing.Inc()
			s.log.Warn().Msg("sink identity not available, re-arming")
			timer.Reset(s.interval / 10)
			continue
		}

		if s.inFlight.CompareAndSwap(false, true) {
			go func() {
				defer s.inFlight.Store(false)
				s.runTick(ctx)
			}()
		} else {
			s.metrics.ReconcileSkips.Inc()
			s.log.Warn().Msg("previous tick still running, skipped")
		}

		timer.Reset(s.interval)
	}
}

// RunOnce executes one full pass set synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runTick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.metrics.ReconcileTicks.Inc()
	for _, p := range s.passes {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := p.Run(ctx); err != nil {
			s.log.Error().Err(err).Str("pass", p.Name).Msg("reconciliation pass failed")
		}
		s.metrics.ReconcilePassDur.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
	}
}
