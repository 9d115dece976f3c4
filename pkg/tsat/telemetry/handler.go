package telemetry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/thesyncim/tsat/pkg/tsat"
)

// Updater receives measurements. *tsat.Registry implements it.
type Updater interface {
	Update(m tsat.Measurement) (map[string]tsat.State, error)
}

// EstimatorHandler returns a Handler that feeds sensor readings and sensor log
// entries to u. Other messages are logged.
func EstimatorHandler(u Updater) Handler {
	return HandlerFunc(func(m Message) error {
		switch m.ID {
		case MsgSensorReadings:
			r, err := DecodeSensorReading(m.Payload)
			if err != nil {
				return err
			}
			return update(u, r)

		case MsgSensorLogEntry:
			e, err := DecodeSensorLogEntry(m.Payload)
			if err != nil {
				return err
			}
			return update(u, e.SensorReading)

		case MsgSensorLogSize:
			n, err := DecodeFloat(m.Payload)
			if err != nil {
				return err
			}
			tsat.Logf("telemetry: ssrc %d sensor log holds %g entries", m.SSRC, n)
			return nil

		default:
			tsat.Logf("telemetry: ssrc %d sent %v", m.SSRC, m.ID)
			return nil
		}
	})
}

func update(u Updater, r SensorReading) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := u.Update(r.Measurement())
	return err
}

// validate rejects readings that would poison the estimators: any NaN or
// ±Inf among the decoded values, or an attitude with zero norm.
func (r SensorReading) validate() error {
	values := [ReadingValues]float64{
		r.Attitude.Imag, r.Attitude.Jmag, r.Attitude.Kmag, r.Attitude.Real,
		r.Rate.X, r.Rate.Y, r.Rate.Z,
		r.Moment.X, r.Moment.Y, r.Moment.Z,
	}
	copy(values[10:], r.Raw[:])
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is %v", ErrNonFinite, i, v)
		}
	}
	if quat.Abs(r.Attitude) == 0 {
		return fmt.Errorf("telemetry: invalid attitude %v", r.Attitude)
	}
	return nil
}
