// Package plant provides a rigid-body rotational dynamics model that can be
// attached to a tsat estimator as its predictor.
package plant

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

// ErrSingularInertia is returned when the inertia tensor cannot be inverted.
var ErrSingularInertia = errors.New("plant: singular inertia tensor")

// Config holds configuration for the rigid-body model.
type Config struct {
	// Inertia is the body-frame moment of inertia tensor in kg·m², row-major.
	Inertia [9]float64

	// MaxStep bounds a single integration step. Longer intervals are split
	// into equal sub-steps no longer than MaxStep.
	MaxStep time.Duration

	// InitialState seeds the model. Nil starts at rest in the identity attitude.
	InitialState *tsat.State
}

// DefaultConfig returns the configuration of a symmetric body with
// I = diag(4, 4, 4).
func DefaultConfig() Config {
	return Config{
		Inertia: [9]float64{
			4, 0, 0,
			0, 4, 0,
			0, 0, 4,
		},
		MaxStep: 10 * time.Millisecond,
	}
}

// RigidBody integrates Euler's rotation equations and quaternion kinematics.
// It implements tsat.Plant and is safe for concurrent use.
type RigidBody struct {
	config  Config
	clock   internal.Clock
	inertia *r3.Mat
	inverse *r3.Mat

	mu      sync.Mutex
	state   tsat.State
	moment  r3.Vec
	last    time.Time
	started bool
	steps   uint64
}

var _ tsat.Plant = (*RigidBody)(nil)

// New creates a RigidBody. If clock is nil, a default MonotonicClock is used.
func New(config Config, clock internal.Clock) (*RigidBody, error) {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	if config.MaxStep <= 0 {
		config.MaxStep = DefaultConfig().MaxStep
	}

	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, append([]float64(nil), config.Inertia[:]...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularInertia, err)
	}
	inverse := r3.NewMat(nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inverse.Set(i, j, inv.At(i, j))
		}
	}

	b := &RigidBody{
		config:  config,
		clock:   clock,
		inertia: r3.NewMat(config.Inertia[:]),
		inverse: inverse,
		state:   tsat.NewState(),
	}
	if config.InitialState != nil {
		if err := b.SetState(*config.InitialState); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Propagate advances the model by the time elapsed since the previous call.
// The first call only records the starting time.
func (b *RigidBody) Propagate() error {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.last = now
		b.started = true
		return nil
	}
	elapsed := now.Sub(b.last)
	if elapsed < 0 {
		return fmt.Errorf("%w: plant clock went back %v", tsat.ErrNonMonotonicClock, -elapsed)
	}
	b.advance(elapsed)
	b.last = now
	return nil
}

// Advance integrates the model forward by d without consulting the clock.
func (b *RigidBody) Advance(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("plant: negative step %v", d)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(d)
	return nil
}

func (b *RigidBody) advance(d time.Duration) {
	if d == 0 {
		return
	}
	n := int(math.Ceil(float64(d) / float64(b.config.MaxStep)))
	h := d.Seconds() / float64(n)
	for i := 0; i < n; i++ {
		b.step(h)
	}
}

// step is one explicit Euler step of
//
//	ẇ = I⁻¹(M − w × (I·w))
//	q ← q ⊗ exp(½·w·h)
//
// followed by renormalizing q.
func (b *RigidBody) step(h float64) {
	w := b.state.W
	gyro := r3.Cross(w, b.inertia.MulVec(w))
	wDot := b.inverse.MulVec(r3.Sub(b.moment, gyro))

	half := r3.Scale(h/2, w)
	dq := quat.Exp(quat.Number{Imag: half.X, Jmag: half.Y, Kmag: half.Z})
	q := quat.Mul(b.state.Q, dq)
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}

	b.state = tsat.State{Q: q, W: r3.Add(w, r3.Scale(h, wDot))}
	b.steps++
}

// State returns the current model state.
func (b *RigidBody) State() tsat.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState overwrites the model state. The attitude is normalized; a zero
// quaternion is rejected.
func (b *RigidBody) SetState(s tsat.State) error {
	n := quat.Abs(s.Q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return fmt.Errorf("plant: invalid attitude %v", s.Q)
	}
	s.Q = quat.Scale(1/n, s.Q)

	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	return nil
}

// SetMoment sets the applied body-frame torque in N·m.
func (b *RigidBody) SetMoment(m r3.Vec) {
	b.mu.Lock()
	b.moment = m
	b.mu.Unlock()
}

// Moment returns the applied torque.
func (b *RigidBody) Moment() r3.Vec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moment
}

// AngularMomentum returns the body-frame angular momentum I·w.
func (b *RigidBody) AngularMomentum() r3.Vec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inertia.MulVec(b.state.W)
}

// Steps returns the number of integration steps taken.
func (b *RigidBody) Steps() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}
