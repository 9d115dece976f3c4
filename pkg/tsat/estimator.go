// Package tsat implements quaternion PID attitude estimation for a rigid body:
// attitude and body rate are predicted by an optional dynamics model and
// corrected against periodic measurements.
package tsat

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNonMonotonicClock is returned when the clock reads earlier than the
	// previous update.
	ErrNonMonotonicClock = errors.New("tsat: clock moved backwards")

	// ErrZeroInterval is returned when a warm estimator is updated twice at
	// the same instant. The derivative term would divide by zero.
	ErrZeroInterval = errors.New("tsat: zero interval since last update")

	// ErrPlantFeedback wraps a Plant.SetState failure. The estimator has
	// already committed its new estimate when it is returned.
	ErrPlantFeedback = errors.New("tsat: plant feedback")
)

// Measurement is one externally observed state.
type Measurement struct {
	// State is the observed attitude and body rate.
	State State

	// Moment is the applied body torque reported with the reading, if any.
	// It is carried for strategy-specific extensions; the PID law does not
	// consume it.
	Moment *r3.Vec
}

// Plant is a dynamics model used as the estimator's predictor.
//
// The estimator holds a reference to a Plant but does not own it.
type Plant interface {
	// Propagate advances the model by one step.
	Propagate() error

	// State returns the model's current (predicted) state.
	State() State

	// SetState overwrites the model's state with a corrected estimate.
	SetState(State) error
}

// Estimator is a strategy that turns measurements into a state estimate.
type Estimator interface {
	// Update corrects the estimate with a new measurement and returns it.
	Update(m Measurement) (State, error)

	// Propagate advances the prior through the plant without a correction.
	Propagate() error

	// Estimate returns the current estimate without updating.
	Estimate() State

	// Close releases background resources such as propagation schedulers.
	Close() error
}
