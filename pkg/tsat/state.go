package tsat

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// IdentityQuaternion is the zero rotation, 0i+0j+0k+1.
var IdentityQuaternion = quat.Number{Real: 1}

// NewQuaternion builds a quaternion from its vector part (x, y, z) and scalar w.
func NewQuaternion(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// State pairs an attitude quaternion with a body rate.
//
// State is a value type. Add and Sub never modify their operands; callers
// accumulate in place by reassignment (x = x.Add(y)).
type State struct {
	// Q is the attitude quaternion. It is not required to be unit norm.
	Q quat.Number

	// W is the body rate in rad/s, body frame.
	W r3.Vec
}

// NewState returns the additive identity: identity attitude, zero rate.
func NewState() State {
	return State{Q: IdentityQuaternion}
}

// Add composes two states: Q = s.Q ⊗ o.Q, W = s.W + o.W.
func (s State) Add(o State) State {
	return State{
		Q: quat.Mul(s.Q, o.Q),
		W: r3.Add(s.W, o.W),
	}
}

// Sub is the inverse of Add: Q = s.Q ⊗ o.Q⁻¹, W = s.W - o.W.
// The quaternion inverse (rather than the conjugate) keeps
// s.Sub(o).Add(o) == s for non-unit o.
func (s State) Sub(o State) State {
	return State{
		Q: quat.Mul(s.Q, quat.Inv(o.Q)),
		W: r3.Sub(s.W, o.W),
	}
}

// String formats the state as "q=(...) w=(...)".
func (s State) String() string {
	return fmt.Sprintf("q=(%.6g, %.6g, %.6g, %.6g) w=(%.6g, %.6g, %.6g)",
		s.Q.Imag, s.Q.Jmag, s.Q.Kmag, s.Q.Real, s.W.X, s.W.Y, s.W.Z)
}

// StateError is the directed difference between an estimate and a measurement.
// It embeds State so it can be scaled by gains and accumulated like a State.
type StateError struct {
	State
}

// NewStateError returns estimate - measurement.
func NewStateError(estimate, measurement State) StateError {
	return StateError{State: estimate.Sub(measurement)}
}

// Sub returns the State-shaped difference e - prev.
func (e StateError) Sub(prev StateError) State {
	return e.State.Sub(prev.State)
}
