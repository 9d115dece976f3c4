package tsat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

// fakeEstimator records the measurements it receives.
type fakeEstimator struct {
	estimate State
	updates  []Measurement
	err      error
	closed   bool
}

func (f *fakeEstimator) Update(m Measurement) (State, error) {
	f.updates = append(f.updates, m)
	if f.err != nil {
		return f.estimate, f.err
	}
	f.estimate = m.State
	return f.estimate, nil
}

func (f *fakeEstimator) Propagate() error { return nil }
func (f *fakeEstimator) Estimate() State  { return f.estimate }
func (f *fakeEstimator) Close() error {
	f.closed = true
	return nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeEstimator{estimate: NewState()}
	b := &fakeEstimator{estimate: State{Q: IdentityQuaternion, W: r3.Vec{X: 1}}}

	require.NoError(t, r.Register("b", b))
	require.NoError(t, r.Register("a", a))
	assert.Equal(t, []string{"b", "a"}, r.Names())

	err := r.Register("a", &fakeEstimator{})
	assert.ErrorIs(t, err, ErrDuplicateEstimator)
	assert.Error(t, r.Register("nil", nil))

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	est, err := r.Estimate("b")
	require.NoError(t, err)
	assert.Equal(t, b.estimate, est)

	_, err = r.Estimate("missing")
	assert.ErrorIs(t, err, ErrUnknownEstimator)

	all := r.Estimates()
	assert.Len(t, all, 2)
	assert.Equal(t, a.estimate, all["a"])
}

func TestRegistry_UpdateFansOut(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	r := NewRegistry(clock)
	a := &fakeEstimator{}
	b := &fakeEstimator{}
	require.NoError(t, r.Register("a", a))
	require.NoError(t, r.Register("b", b))

	var seen []string
	r.OnUpdate(func(name string, _ State, at time.Time) {
		seen = append(seen, name)
		assert.Equal(t, clock.Now(), at)
	})
	r.OnUpdate(nil)

	torque := r3.Vec{Z: 0.2}
	m := Measurement{State: State{Q: rotation(r3.Vec{X: 1}, 0.1)}, Moment: &torque}
	out, err := r.Update(m)
	require.NoError(t, err)

	assert.Equal(t, []Measurement{m}, a.updates)
	assert.Equal(t, []Measurement{m}, b.updates)
	assert.Equal(t, map[string]State{"a": m.State, "b": m.State}, out)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestRegistry_UpdateContinuesPastFailures(t *testing.T) {
	r := NewRegistry(nil)
	errBad := errors.New("bad strategy")
	bad := &fakeEstimator{err: errBad}
	good := &fakeEstimator{}
	require.NoError(t, r.Register("bad", bad))
	require.NoError(t, r.Register("good", good))

	m := Measurement{State: State{Q: rotation(r3.Vec{Y: 1}, 0.3)}}
	out, err := r.Update(m)
	require.ErrorIs(t, err, errBad)
	assert.ErrorContains(t, err, "bad:")
	assert.Len(t, good.updates, 1)
	assert.NotContains(t, out, "bad")
	assert.Equal(t, m.State, out["good"])
}

func TestRegistry_UpdateReportsEstimateDespitePlantFeedbackError(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	errBoom := errors.New("boom")
	plant := &stubPlant{state: NewState(), setErr: errBoom}
	pid, err := NewPID(PIDConfig{Kp: ScalarGain(1)}, plant, clock)
	require.NoError(t, err)

	r := NewRegistry(clock)
	require.NoError(t, r.Register(DefaultStrategy, pid))
	defer r.Close()

	var calls int
	var published State
	r.OnUpdate(func(name string, est State, _ time.Time) {
		calls++
		published = est
	})

	m := Measurement{State: State{Q: IdentityQuaternion, W: r3.Vec{X: 1}}}
	out, err := r.Update(m)
	require.ErrorIs(t, err, ErrPlantFeedback)
	assert.ErrorIs(t, err, errBoom)

	committed := pid.Estimate()
	assert.Equal(t, r3.Vec{X: 1}, committed.W)
	assert.Equal(t, committed, out[DefaultStrategy])
	assert.Equal(t, 1, calls)
	assert.Equal(t, committed, published)
}

func TestRegistry_StrategiesKeepIndependentState(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	r := NewRegistry(clock)
	slow, err := NewPID(PIDConfig{Kp: ScalarGain(0.1)}, nil, clock)
	require.NoError(t, err)
	fast, err := NewPID(PIDConfig{Kp: ScalarGain(0.9)}, nil, clock)
	require.NoError(t, err)
	require.NoError(t, r.Register("slow", slow))
	require.NoError(t, r.Register("fast", fast))
	defer r.Close()

	out, err := r.Update(Measurement{State: State{Q: rotation(r3.Vec{Z: 1}, 1.0)}})
	require.NoError(t, err)
	assert.NotEqual(t, out["slow"], out["fast"])
	assert.Equal(t, slow.Estimate(), out["slow"])
	assert.Equal(t, fast.Estimate(), out["fast"])
}

func TestNewDefaultRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(DefaultPIDConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultStrategy}, r.Names())

	e, ok := r.Get(DefaultStrategy)
	require.True(t, ok)
	assert.IsType(t, &PID{}, e)
	assert.NoError(t, r.Close())

	_, err = NewDefaultRegistry(PIDConfig{PropagateEvery: -1}, nil, nil)
	assert.Error(t, err)
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeEstimator{}
	require.NoError(t, r.Register("a", a))
	require.NoError(t, r.Close())
	assert.True(t, a.closed)
}
