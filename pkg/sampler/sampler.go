// Package sampler implements the adaptive transaction sampler. The
// collector steers it through sampling_target and
// sampling_target_period_in_seconds pushed down on connect.
package sampler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
)

const (
	DefaultTarget = uint64(10)
	DefaultPeriod = 60 * time.Second
)

// AdaptiveSampler aims at a fixed number of sampled transactions per
// period. The window rotation runs as a dskit service; sampling decisions
// work (with first-window behavior) even while the service is stopped.
type AdaptiveSampler struct {
	services.Service
	logger *slog.Logger

	periodCh chan time.Duration

	mu      sync.Mutex
	target  uint64
	period  time.Duration
	seen    uint64
	prevs   uint64
	sampled uint64
}

func New(logger *slog.Logger, target uint64, period time.Duration) *AdaptiveSampler {
	if period <= 0 {
		period = DefaultPeriod
	}
	s := &AdaptiveSampler{
		logger:   logger,
		target:   target,
		period:   period,
		periodCh: make(chan time.Duration, 1),
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *AdaptiveSampler) running(ctx context.Context) error {
	t := time.NewTimer(s.Period())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.periodCh:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(p)
		case <-t.C:
			s.rotate()
			t.Reset(s.Period())
		}
	}
}

func (s *AdaptiveSampler) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevs = s.seen
	s.seen = 0
	s.sampled = 0
}

// Sample decides whether the next transaction is sampled. The first
// window samples up to the target outright; later windows scale the
// probability by the previous window's volume.
func (s *AdaptiveSampler) Sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen++
	if s.target == 0 {
		return false
	}
	var sampled bool
	switch {
	case s.prevs == 0, s.prevs <= s.target:
		sampled = s.sampled < s.target
	default:
		ratio := float64(s.target) / float64(s.prevs)
		sampled = s.sampled < 2*s.target && rand.Float64() < ratio
	}
	if sampled {
		s.sampled++
	}
	return sampled
}

// Update applies a collector-pushed target and period.
func (s *AdaptiveSampler) Update(target uint64, period time.Duration) {
	if period <= 0 {
		period = DefaultPeriod
	}
	s.mu.Lock()
	s.target = target
	s.period = period
	s.mu.Unlock()

	// Nudge the rotation loop if it is running; drop the nudge otherwise.
	select {
	case s.periodCh <- period:
	default:
	}
	if s.logger != nil {
		s.logger.With("target", target, "period", period).Debug("sampler reconfigured")
	}
}

func (s *AdaptiveSampler) Target() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *AdaptiveSampler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}
