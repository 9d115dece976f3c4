package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
)

// streamState tracks per-SSRC reception statistics.
//
// lastPacketTime is an atomic.Value because the stream reader updates it on
// every packet while the cleanup loop reads it concurrently. The sequence
// counters are guarded by mu.
type streamState struct {
	ssrc           uint32
	lastPacketTime atomic.Value // stores time.Time

	mu            sync.Mutex
	started       bool
	baseSeq       uint32
	maxSeq        uint16
	cycles        uint32
	received      uint32
	expectedPrior uint32
	receivedPrior uint32
}

func newStreamState(ssrc uint32, now time.Time) *streamState {
	s := &streamState{ssrc: ssrc}
	s.lastPacketTime.Store(now)
	return s
}

// OnPacket records a packet with sequence number seq arriving at now.
func (s *streamState) OnPacket(seq uint16, now time.Time) {
	s.lastPacketTime.Store(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++
	if !s.started {
		s.started = true
		s.baseSeq = uint32(seq)
		s.maxSeq = seq
		return
	}

	// Forward jumps of less than half the sequence space advance the
	// highest sequence number; anything else is reordered or duplicated.
	if delta := seq - s.maxSeq; delta != 0 && delta < 0x8000 {
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
	}
}

// LastPacket returns the arrival time of the most recent packet.
func (s *streamState) LastPacket() time.Time {
	return s.lastPacketTime.Load().(time.Time)
}

// Report builds a reception report and starts a new reporting interval.
// ok is false until the first packet has arrived.
func (s *streamState) Report() (report rtcp.ReceptionReport, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return rtcp.ReceptionReport{}, false
	}

	extMax := s.cycles + uint32(s.maxSeq)
	expected := extMax - s.baseSeq + 1

	lost := int64(expected) - int64(s.received)
	if lost < 0 {
		lost = 0
	}
	if lost > 0xFFFFFF {
		lost = 0xFFFFFF
	}

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fraction uint8
	if lostInterval := int64(expectedInterval) - int64(receivedInterval); expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / int64(expectedInterval))
	}

	return rtcp.ReceptionReport{
		SSRC:               s.ssrc,
		FractionLost:       fraction,
		TotalLost:          uint32(lost),
		LastSequenceNumber: extMax,
	}, true
}

// Stats returns a snapshot of the stream counters.
func (s *streamState) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StreamStats{
		SSRC:       s.ssrc,
		Received:   s.received,
		LastPacket: s.LastPacket(),
	}
	if s.started {
		expected := s.cycles + uint32(s.maxSeq) - s.baseSeq + 1
		if expected > s.received {
			st.Lost = expected - s.received
		}
	}
	return st
}

// StreamStats is a snapshot of one telemetry stream.
type StreamStats struct {
	SSRC       uint32
	Received   uint32
	Lost       uint32
	LastPacket time.Time
}
