package tsat

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Gain transforms a State-shaped value into a scaled one.
//
// A nil Gain in PIDConfig disables the corresponding term. It is never
// treated as an identity or zero gain.
type Gain interface {
	Apply(s State) State
}

// QuaternionGain scales the rotation encoded by a quaternion: q ↦ q^K.
// For a unit quaternion this multiplies the rotation angle by K about the
// same axis. K = 1 leaves q unchanged, K = 0 yields the identity.
type QuaternionGain struct {
	K float64
}

// Apply returns q^K.
func (g QuaternionGain) Apply(q quat.Number) quat.Number {
	if q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0 && q.Real < 0 {
		// quat.Log has no axis here. -r = r·exp(π·i), taking i as the axis.
		r := math.Pow(-q.Real, g.K)
		theta := g.K * math.Pi
		return quat.Number{Real: r * math.Cos(theta), Imag: r * math.Sin(theta)}
	}
	return quat.PowReal(q, g.K)
}

// BodyRateGain left-multiplies a body rate by a 3×3 matrix.
// The zero value maps every rate to zero.
type BodyRateGain struct {
	m *r3.Mat
}

// NewBodyRateGain returns a gain with the given row-major 3×3 matrix.
// The values are copied.
func NewBodyRateGain(rowMajor [9]float64) BodyRateGain {
	return BodyRateGain{m: r3.NewMat(rowMajor[:])}
}

// ScalarBodyRateGain returns k·I₃.
func ScalarBodyRateGain(k float64) BodyRateGain {
	return NewBodyRateGain([9]float64{k, 0, 0, 0, k, 0, 0, 0, k})
}

// Apply returns M·w.
func (g BodyRateGain) Apply(w r3.Vec) r3.Vec {
	if g.m == nil {
		return r3.Vec{}
	}
	return g.m.MulVec(w)
}

// Matrix returns a copy of the gain matrix in row-major order.
func (g BodyRateGain) Matrix() [9]float64 {
	var out [9]float64
	if g.m == nil {
		return out
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = g.m.At(i, j)
		}
	}
	return out
}

// StateGain applies a QuaternionGain to the attitude and a BodyRateGain to
// the rate of a State.
type StateGain struct {
	Q QuaternionGain
	W BodyRateGain
}

// NewStateGain composes a quaternion and a body rate gain.
func NewStateGain(q QuaternionGain, w BodyRateGain) StateGain {
	return StateGain{Q: q, W: w}
}

// ScalarGain returns the StateGain that scales both halves by k.
func ScalarGain(k float64) StateGain {
	return StateGain{Q: QuaternionGain{K: k}, W: ScalarBodyRateGain(k)}
}

// Apply implements Gain.
func (g StateGain) Apply(s State) State {
	return State{
		Q: g.Q.Apply(s.Q),
		W: g.W.Apply(s.W),
	}
}

// String reports the quaternion gain and the diagonal of the rate gain.
func (g StateGain) String() string {
	m := g.W.Matrix()
	return fmt.Sprintf("Kq=%g Kw=diag(%g, %g, %g)", g.Q.K, m[0], m[4], m[8])
}

// timeGain builds the dt-scaled gain used by the integral and derivative terms.
func timeGain(k float64) StateGain {
	return ScalarGain(k)
}
