package main

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
)

func TestTorqueProfileIsPeriodic(t *testing.T) {
	period := 10 * time.Second
	a := torqueAt(0.1, period, 3*time.Second)
	b := torqueAt(0.1, period, 13*time.Second)
	assert.InDelta(t, a.X, b.X, 1e-12)
	assert.InDelta(t, a.Y, b.Y, 1e-12)
	assert.InDelta(t, a.Z, b.Z, 1e-12)

	zero := torqueAt(0.1, period, 0)
	assert.Equal(t, 0.0, zero.X)
}

func TestCorruptWithoutNoiseIsTruth(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	truth := tsat.State{Q: tsat.NewQuaternion(0, 0, 0.6, 0.8), W: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}}
	moment := r3.Vec{Z: 0.05}

	r := corrupt(rng, truth, moment, 0, 0)
	assert.InDelta(t, truth.Q.Real, r.Attitude.Real, 1e-12)
	assert.InDelta(t, truth.Q.Kmag, r.Attitude.Kmag, 1e-12)
	assert.Equal(t, truth.W, r.Rate)
	assert.Equal(t, moment, r.Moment)
	assert.InDelta(t, 0.05, r.Raw[3], 1e-12)
}

func TestCorruptKeepsUnitAttitude(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	truth := tsat.State{Q: tsat.IdentityQuaternion}
	for range 100 {
		r := corrupt(rng, truth, r3.Vec{}, 0.05, 0.01)
		assert.InDelta(t, 1, quat.Abs(r.Attitude), 1e-9)
	}
}
