package api

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/store"
)

// HistoryStore is the read side of store.Store.
type HistoryStore interface {
	History(ctx context.Context, strategy string, limit int) ([]store.Record, error)
}

// Quaternion is the JSON form of an attitude.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// StateJSON is the JSON form of tsat.State.
type StateJSON struct {
	Attitude Quaternion `json:"attitude"`
	Rate     [3]float64 `json:"rate"`
}

func stateJSON(s tsat.State) StateJSON {
	return StateJSON{
		Attitude: Quaternion{X: s.Q.Imag, Y: s.Q.Jmag, Z: s.Q.Kmag, W: s.Q.Real},
		Rate:     [3]float64{s.W.X, s.W.Y, s.W.Z},
	}
}

// State converts back to tsat.State.
func (s StateJSON) State() tsat.State {
	a := s.Attitude
	return tsat.State{
		Q: tsat.NewQuaternion(a.X, a.Y, a.Z, a.W),
		W: r3.Vec{X: s.Rate[0], Y: s.Rate[1], Z: s.Rate[2]},
	}
}

// Estimate is one strategy's estimate, as served by the estimator endpoints
// and streamed on /ws.
type Estimate struct {
	Strategy string     `json:"strategy"`
	Time     *time.Time `json:"time,omitempty"`
	RunID    string     `json:"run_id,omitempty"`
	State    StateJSON  `json:"state"`
}

// MeasurementRequest is the body of POST /api/measurements.
type MeasurementRequest struct {
	StateJSON
	Moment *[3]float64 `json:"moment,omitempty"`
}

var errBadMeasurement = errors.New("values must be finite and the attitude non-zero")

func (m MeasurementRequest) measurement() (tsat.Measurement, error) {
	a := m.Attitude
	vals := []float64{a.X, a.Y, a.Z, a.W, m.Rate[0], m.Rate[1], m.Rate[2]}
	if m.Moment != nil {
		vals = append(vals, m.Moment[:]...)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return tsat.Measurement{}, errBadMeasurement
		}
	}
	if a.X == 0 && a.Y == 0 && a.Z == 0 && a.W == 0 {
		return tsat.Measurement{}, errBadMeasurement
	}

	out := tsat.Measurement{State: m.State()}
	if m.Moment != nil {
		out.Moment = &r3.Vec{X: m.Moment[0], Y: m.Moment[1], Z: m.Moment[2]}
	}
	return out, nil
}

// MeasurementResponse reports the strategies that accepted a measurement and
// the joined failure of those that did not.
type MeasurementResponse struct {
	Estimates []Estimate `json:"estimates"`
	Error     string     `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
