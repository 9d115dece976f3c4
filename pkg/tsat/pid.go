package tsat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

// PIDConfig holds configuration for the PID estimator.
type PIDConfig struct {
	// Kp, Ki and Kd are the proportional, integral and derivative gains.
	// A nil gain disables its term.
	Kp Gain
	Ki Gain
	Kd Gain

	// TimeVarying scales the integral term by dt and the derivative term by
	// 1/dt. When false the raw error is integrated and the raw difference
	// is differentiated.
	TimeVarying bool

	// PropagateEvery starts a Scheduler that advances the plant on this
	// period between measurements. Zero disables periodic propagation.
	PropagateEvery time.Duration

	// InitialCondition seeds the estimate. Nil starts at NewState().
	InitialCondition *State

	// OnPropagateError receives scheduled propagate failures. Optional.
	OnPropagateError func(err error)
}

// DefaultPIDConfig returns a proportional-only configuration with
// time-varying integral/derivative scaling enabled for when Ki or Kd are set.
func DefaultPIDConfig() PIDConfig {
	return PIDConfig{
		Kp:          ScalarGain(0.6),
		TimeVarying: true,
	}
}

// PID is a predictor-corrector attitude estimator with a quaternion-aware
// three-term correction law.
//
// Update and Propagate are serialized by an internal mutex; the scheduler and
// external callers never touch the estimate or the plant concurrently.
type PID struct {
	mu sync.Mutex

	config PIDConfig
	clock  internal.Clock
	plant  Plant

	xHat       State
	xI         State
	xAdj       State
	lastErr    StateError
	lastUpdate time.Time
	warm       bool

	scheduler *Scheduler
}

// NewPID creates a PID estimator. plant may be nil, in which case predict and
// feedback steps are skipped. If clock is nil, a default MonotonicClock is used.
func NewPID(config PIDConfig, plant Plant, clock internal.Clock) (*PID, error) {
	if config.PropagateEvery < 0 {
		return nil, fmt.Errorf("tsat: negative propagate interval %v", config.PropagateEvery)
	}
	if clock == nil {
		clock = internal.MonotonicClock{}
	}

	p := &PID{
		config: config,
		clock:  clock,
		plant:  plant,
		xHat:   NewState(),
		xI:     NewState(),
		xAdj:   NewState(),
	}
	if config.InitialCondition != nil {
		p.xHat = *config.InitialCondition
	}

	if config.PropagateEvery > 0 {
		p.scheduler = NewScheduler(SchedulerConfig{
			Interval: config.PropagateEvery,
			OnError:  config.OnPropagateError,
		}, clock, p.Propagate)
	}
	return p, nil
}

// Update corrects the estimate with measurement m and returns the posterior.
//
// On the first call the elapsed time is zero and the integral and derivative
// terms are suppressed. Later calls require the clock to have advanced; a
// clock that stood still or went backwards is reported without modifying the
// estimator.
func (p *PID) Update(m Measurement) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var dt float64
	if p.warm {
		elapsed := now.Sub(p.lastUpdate)
		switch {
		case elapsed < 0:
			return p.xHat, fmt.Errorf("%w: %v before last update", ErrNonMonotonicClock, -elapsed)
		case elapsed == 0:
			return p.xHat, ErrZeroInterval
		}
		dt = elapsed.Seconds()
	}

	xHat := p.xHat
	if p.plant != nil {
		if err := p.plant.Propagate(); err != nil {
			return p.xHat, fmt.Errorf("tsat: plant propagate: %w", err)
		}
		xHat = p.plant.State()
	}

	xErr := NewStateError(xHat, m.State)
	xAdj := NewState()

	if p.config.Kp != nil {
		xAdj = xAdj.Add(p.config.Kp.Apply(xErr.State))
	}

	xI := p.xI
	if dt > 0 && p.config.Ki != nil {
		if p.config.TimeVarying {
			xI = xI.Add(timeGain(dt).Apply(xErr.State))
		} else {
			xI = xI.Add(xErr.State)
		}
		xAdj = xAdj.Add(p.config.Ki.Apply(xI))
	}

	if dt > 0 && p.config.Kd != nil && p.warm {
		xDiff := xErr.Sub(p.lastErr)
		var xKd State
		if p.config.TimeVarying {
			xKd = p.config.Kd.Apply(timeGain(1 / dt).Apply(xDiff))
		} else {
			xKd = p.config.Kd.Apply(xDiff)
		}
		xAdj = xAdj.Add(xKd)
	}

	xHat = xHat.Sub(xAdj)

	p.xHat = xHat
	p.xI = xI
	p.xAdj = xAdj
	p.lastErr = xErr
	p.lastUpdate = now
	p.warm = true

	if p.plant != nil {
		if err := p.plant.SetState(xHat); err != nil {
			return xHat, fmt.Errorf("%w: set state: %w", ErrPlantFeedback, err)
		}
	}
	return xHat, nil
}

// Propagate advances the plant one step and adopts its state as the prior.
// Without a plant it does nothing.
func (p *PID) Propagate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.plant == nil {
		return nil
	}
	if err := p.plant.Propagate(); err != nil {
		return fmt.Errorf("tsat: plant propagate: %w", err)
	}
	p.xHat = p.plant.State()
	return nil
}

// Estimate returns the current estimate.
func (p *PID) Estimate() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xHat
}

// Correction returns the correction subtracted by the last Update.
func (p *PID) Correction() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xAdj
}

// Integral returns the integral accumulator.
func (p *PID) Integral() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xI
}

// Warm reports whether at least one Update has succeeded.
func (p *PID) Warm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warm
}

// SetKp replaces the proportional gain. Nil disables the term.
func (p *PID) SetKp(k Gain) {
	p.mu.Lock()
	p.config.Kp = k
	p.mu.Unlock()
}

// SetKi replaces the integral gain. Nil disables the term.
func (p *PID) SetKi(k Gain) {
	p.mu.Lock()
	p.config.Ki = k
	p.mu.Unlock()
}

// SetKd replaces the derivative gain. Nil disables the term.
func (p *PID) SetKd(k Gain) {
	p.mu.Lock()
	p.config.Kd = k
	p.mu.Unlock()
}

// Scheduler returns the periodic propagation scheduler, or nil when
// PropagateEvery is zero.
func (p *PID) Scheduler() *Scheduler {
	return p.scheduler
}

// Close stops periodic propagation. It does not wait for or interrupt an
// Update in progress on another goroutine.
func (p *PID) Close() error {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
	return nil
}

func (p *PID) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "PID x_hat: %v\n", p.xHat)
	fmt.Fprintf(&b, "  Kp: %s\n", gainString(p.config.Kp))
	fmt.Fprintf(&b, "  Ki: %s\n", gainString(p.config.Ki))
	fmt.Fprintf(&b, "  Kd: %s", gainString(p.config.Kd))
	return b.String()
}

func gainString(g Gain) string {
	if g == nil {
		return "off"
	}
	return fmt.Sprint(g)
}
