package tsat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

var (
	// ErrDuplicateEstimator is returned when a strategy name is registered twice.
	ErrDuplicateEstimator = errors.New("tsat: estimator already registered")

	// ErrUnknownEstimator is returned for lookups of an unregistered strategy.
	ErrUnknownEstimator = errors.New("tsat: unknown estimator")
)

// DefaultStrategy is the name NewDefaultRegistry registers its PID under.
const DefaultStrategy = "pid"

// UpdateCallback is invoked after a strategy accepts a measurement.
type UpdateCallback func(name string, estimate State, at time.Time)

// Registry holds named estimator strategies and broadcasts each measurement
// to all of them. Strategies keep independent state; the registry never
// combines their outputs.
type Registry struct {
	clock internal.Clock

	mu         sync.RWMutex
	order      []string
	estimators map[string]Estimator
	callbacks  []UpdateCallback
}

// NewRegistry creates an empty registry. If clock is nil, a default
// MonotonicClock is used to timestamp callbacks.
func NewRegistry(clock internal.Clock) *Registry {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	return &Registry{
		clock:      clock,
		estimators: make(map[string]Estimator),
	}
}

// NewDefaultRegistry creates a registry holding one PID strategy named
// DefaultStrategy.
func NewDefaultRegistry(config PIDConfig, plant Plant, clock internal.Clock) (*Registry, error) {
	r := NewRegistry(clock)
	pid, err := NewPID(config, plant, clock)
	if err != nil {
		return nil, err
	}
	if err := r.Register(DefaultStrategy, pid); err != nil {
		_ = pid.Close()
		return nil, err
	}
	return r, nil
}

// Register adds a strategy under name.
func (r *Registry) Register(name string, e Estimator) error {
	if e == nil {
		return fmt.Errorf("tsat: nil estimator %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.estimators[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEstimator, name)
	}
	r.estimators[name] = e
	r.order = append(r.order, name)
	return nil
}

// OnUpdate registers a callback run after every successful strategy update.
// Callbacks run synchronously on the updating goroutine.
func (r *Registry) OnUpdate(cb UpdateCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Names returns strategy names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Estimator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.estimators[name]
	return e, ok
}

// Estimate returns the current estimate of one strategy.
func (r *Registry) Estimate(name string) (State, error) {
	e, ok := r.Get(name)
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownEstimator, name)
	}
	return e.Estimate(), nil
}

// Estimates returns the current estimate of every strategy.
func (r *Registry) Estimates() map[string]State {
	names, estimators, _ := r.snapshot()
	out := make(map[string]State, len(names))
	for i, name := range names {
		out[name] = estimators[i].Estimate()
	}
	return out
}

// Update passes m to every strategy in registration order. A failing strategy
// does not stop the others; the failures are joined into the returned error
// and the map holds only the strategies that produced an estimate. An error
// wrapping ErrPlantFeedback still counts as an estimate: the strategy has
// committed it, so it is returned and the callbacks run.
func (r *Registry) Update(m Measurement) (map[string]State, error) {
	names, estimators, callbacks := r.snapshot()
	now := r.clock.Now()

	out := make(map[string]State, len(names))
	var errs []error
	for i, name := range names {
		est, err := estimators[i].Update(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if !errors.Is(err, ErrPlantFeedback) {
				continue
			}
		}
		out[name] = est
		for _, cb := range callbacks {
			cb(name, est, now)
		}
	}
	return out, errors.Join(errs...)
}

// Close closes every strategy.
func (r *Registry) Close() error {
	names, estimators, _ := r.snapshot()
	var errs []error
	for i, name := range names {
		if err := estimators[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshot() ([]string, []Estimator, []UpdateCallback) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	estimators := make([]Estimator, len(names))
	for i, name := range names {
		estimators[i] = r.estimators[name]
	}
	return names, estimators, append([]UpdateCallback(nil), r.callbacks...)
}
