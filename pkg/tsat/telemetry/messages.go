package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pion/rtp"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
)

var (
	// ErrUnknownMessage is returned for a payload type missing from the message table.
	ErrUnknownMessage = errors.New("telemetry: unknown message id")

	// ErrPayloadSize is returned when a payload does not match its message size.
	ErrPayloadSize = errors.New("telemetry: payload size mismatch")

	// ErrNonFinite is returned when a sensor reading carries NaN or ±Inf.
	ErrNonFinite = errors.New("telemetry: non-finite value in payload")
)

// MessageID is the message type carried in the RTP payload type field.
type MessageID uint8

// Message ids of the spacecraft protocol.
const (
	MsgSetRunMode       MessageID = 2
	MsgSetRunModeQuiet  MessageID = 4
	MsgSetFanSpeed      MessageID = 18
	MsgSetLogRecordMode MessageID = 19
	MsgRequestReading   MessageID = 20
	MsgEndOfSensorLog   MessageID = 22
	MsgRequestSensorLog MessageID = 23
	MsgSetLogSampleRate MessageID = 33
	MsgSensorReadings   MessageID = 63
	MsgSensorLogEntry   MessageID = 64
	MsgSensorLogSize    MessageID = 65
	MsgAckRunMode       MessageID = 104
	MsgAckFanVolt       MessageID = 118
	MsgAckSensorLogMode MessageID = 119
	MsgAckLogSampleRate MessageID = 133
)

const (
	byteSize   = 1
	doubleSize = 8

	// ReadingValues is the number of float64 values in a sensor reading.
	ReadingValues = 15

	// RawChannels is the number of raw sensor channels after the attitude,
	// rate and moment values.
	RawChannels = 5
)

// MessageSpec describes one entry of the message table.
type MessageSpec struct {
	ID          MessageID
	Size        int
	Description string
}

var messageTable = map[MessageID]MessageSpec{
	MsgSetRunMode:       {MsgSetRunMode, byteSize, "Set run mode"},
	MsgSetRunModeQuiet:  {MsgSetRunModeQuiet, byteSize, "Set run mode"},
	MsgSetFanSpeed:      {MsgSetFanSpeed, 4 * doubleSize, "Set fan speed"},
	MsgSetLogRecordMode: {MsgSetLogRecordMode, byteSize, "Set log record mode"},
	MsgRequestReading:   {MsgRequestReading, byteSize, "Request sensor reading"},
	MsgEndOfSensorLog:   {MsgEndOfSensorLog, byteSize, "End of sensor log"},
	MsgRequestSensorLog: {MsgRequestSensorLog, doubleSize, "Request sensor log data"},
	MsgSetLogSampleRate: {MsgSetLogSampleRate, doubleSize, "Set log sample rate"},
	MsgSensorReadings:   {MsgSensorReadings, ReadingValues * doubleSize, "Sensor readings"},
	MsgSensorLogEntry:   {MsgSensorLogEntry, (ReadingValues + 1) * doubleSize, "Sensor log entry"},
	MsgSensorLogSize:    {MsgSensorLogSize, doubleSize, "Sensor log size"},
	MsgAckRunMode:       {MsgAckRunMode, byteSize, "Ack run mode"},
	MsgAckFanVolt:       {MsgAckFanVolt, byteSize, "Ack fan volt"},
	MsgAckSensorLogMode: {MsgAckSensorLogMode, byteSize, "Ack sensor log run mode"},
	MsgAckLogSampleRate: {MsgAckLogSampleRate, byteSize, "Ack log sample rate"},
}

// Lookup returns the table entry for id.
func Lookup(id MessageID) (MessageSpec, bool) {
	spec, ok := messageTable[id]
	return spec, ok
}

func (id MessageID) String() string {
	if spec, ok := messageTable[id]; ok {
		return fmt.Sprintf("%d (%s)", uint8(id), spec.Description)
	}
	return fmt.Sprintf("%d (unknown)", uint8(id))
}

// Message is one decoded telemetry frame.
type Message struct {
	ID             MessageID
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	Payload        []byte
	Received       time.Time
}

// Spec returns the message's table entry.
func (m Message) Spec() (MessageSpec, bool) {
	return Lookup(m.ID)
}

// Validate checks the id against the table and the payload against its size.
func (m Message) Validate() error {
	spec, ok := Lookup(m.ID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(m.ID))
	}
	if len(m.Payload) != spec.Size {
		return fmt.Errorf("%w: message %v has %d bytes, want %d", ErrPayloadSize, m.ID, len(m.Payload), spec.Size)
	}
	return nil
}

// SensorReading is the decoded payload of a sensor readings message.
//
// Wire layout, 15 big-endian float64 values:
//
//	[0:4]   attitude quaternion x, y, z, w
//	[4:7]   body rate, rad/s
//	[7:10]  applied moment, N·m
//	[10:15] raw sensor channels
type SensorReading struct {
	Attitude quat.Number
	Rate     r3.Vec
	Moment   r3.Vec
	Raw      [RawChannels]float64
}

// SensorLogEntry is a logged sensor reading with its on-board log time in seconds.
type SensorLogEntry struct {
	LogTime float64
	SensorReading
}

// Measurement converts the reading into an estimator measurement. The applied
// moment travels as the auxiliary payload.
func (r SensorReading) Measurement() tsat.Measurement {
	moment := r.Moment
	return tsat.Measurement{
		State:  tsat.State{Q: r.Attitude, W: r.Rate},
		Moment: &moment,
	}
}

// DecodeSensorReading decodes a sensor readings payload.
func DecodeSensorReading(payload []byte) (SensorReading, error) {
	if len(payload) != ReadingValues*doubleSize {
		return SensorReading{}, fmt.Errorf("%w: sensor reading has %d bytes, want %d",
			ErrPayloadSize, len(payload), ReadingValues*doubleSize)
	}
	var v [ReadingValues]float64
	for i := range v {
		v[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[i*doubleSize:]))
	}

	r := SensorReading{
		Attitude: tsat.NewQuaternion(v[0], v[1], v[2], v[3]),
		Rate:     r3.Vec{X: v[4], Y: v[5], Z: v[6]},
		Moment:   r3.Vec{X: v[7], Y: v[8], Z: v[9]},
	}
	copy(r.Raw[:], v[10:])
	return r, nil
}

// DecodeSensorLogEntry decodes a sensor log entry payload: the log time
// followed by a sensor reading.
func DecodeSensorLogEntry(payload []byte) (SensorLogEntry, error) {
	if len(payload) != (ReadingValues+1)*doubleSize {
		return SensorLogEntry{}, fmt.Errorf("%w: sensor log entry has %d bytes, want %d",
			ErrPayloadSize, len(payload), (ReadingValues+1)*doubleSize)
	}
	r, err := DecodeSensorReading(payload[doubleSize:])
	if err != nil {
		return SensorLogEntry{}, err
	}
	return SensorLogEntry{
		LogTime:       math.Float64frombits(binary.BigEndian.Uint64(payload)),
		SensorReading: r,
	}, nil
}

// AppendSensorReading appends the wire encoding of r to b.
func AppendSensorReading(b []byte, r SensorReading) []byte {
	values := [ReadingValues]float64{
		r.Attitude.Imag, r.Attitude.Jmag, r.Attitude.Kmag, r.Attitude.Real,
		r.Rate.X, r.Rate.Y, r.Rate.Z,
		r.Moment.X, r.Moment.Y, r.Moment.Z,
	}
	copy(values[10:], r.Raw[:])
	for _, v := range values {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

// AppendSensorLogEntry appends the wire encoding of e to b.
func AppendSensorLogEntry(b []byte, e SensorLogEntry) []byte {
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(e.LogTime))
	return AppendSensorReading(b, e.SensorReading)
}

// DecodeFloat decodes a single-double payload such as a sensor log size.
func DecodeFloat(payload []byte) (float64, error) {
	if len(payload) != doubleSize {
		return 0, fmt.Errorf("%w: have %d bytes, want %d", ErrPayloadSize, len(payload), doubleSize)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
}

// NewPacket wraps a message payload in an RTP packet.
func NewPacket(id MessageID, ssrc uint32, seq uint16, timestamp uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(id),
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}

// MarshalMessage builds and marshals an RTP packet carrying payload.
func MarshalMessage(id MessageID, ssrc uint32, seq uint16, timestamp uint32, payload []byte) ([]byte, error) {
	return NewPacket(id, ssrc, seq, timestamp, payload).Marshal()
}
