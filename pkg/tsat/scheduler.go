package tsat

import (
	"sync"
	"time"

	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

// SchedulerConfig configures periodic propagation.
type SchedulerConfig struct {
	// Interval between propagate calls. Must be positive.
	Interval time.Duration

	// OnError is called with every propagate failure. The schedule keeps
	// running regardless. Optional.
	OnError func(err error)
}

// Scheduler calls a propagate function on a fixed period until stopped.
type Scheduler struct {
	config    SchedulerConfig
	clock     internal.Clock
	propagate func() error

	mu      sync.Mutex
	fired   uint64
	failed  uint64
	lastErr error

	closed   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler starts a Scheduler that calls propagate every config.Interval.
// If clock is nil, a default MonotonicClock is used.
func NewScheduler(config SchedulerConfig, clock internal.Clock, propagate func() error) *Scheduler {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	s := &Scheduler{
		config:    config,
		clock:     clock,
		propagate: propagate,
		closed:    make(chan struct{}),
	}

	// Create the ticker before returning so a test clock advanced right after
	// construction fires it.
	ticker := clock.NewTicker(config.Interval)
	s.wg.Add(1)
	go s.loop(ticker)
	return s
}

func (s *Scheduler) loop(ticker internal.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C():
			s.fire()
		}
	}
}

func (s *Scheduler) fire() {
	err := s.propagate()

	s.mu.Lock()
	s.fired++
	if err != nil {
		s.failed++
		s.lastErr = err
	}
	s.mu.Unlock()

	if err == nil {
		return
	}
	Logf("tsat: scheduled propagate failed: %v", err)
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}

// Stats returns how many times the scheduler fired, how many of those
// failed, and the most recent failure.
func (s *Scheduler) Stats() (fired, failed uint64, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired, s.failed, s.lastErr
}

// Stop ends the schedule and waits for a running propagate call to return.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}
