package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

// muteLogs silences the package logger for the duration of the test.
func muteLogs(t *testing.T) {
	t.Helper()
	logf := tsat.Logf
	tsat.SetLogger(nil)
	t.Cleanup(func() { tsat.SetLogger(logf) })
}

// messageRecorder is a Handler that keeps every message it sees.
type messageRecorder struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (r *messageRecorder) HandleMessage(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return r.err
}

func (r *messageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *messageRecorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func readingFrame(t *testing.T, ssrc uint32, seq uint16) []byte {
	t.Helper()
	raw, err := MarshalMessage(MsgSensorReadings, ssrc, seq, uint32(seq)*90, AppendSensorReading(nil, testReading()))
	require.NoError(t, err)
	return raw
}

// captureRTCP returns a writer that forwards written packets to a channel.
func captureRTCP() (interceptor.RTCPWriter, <-chan []rtcp.Packet) {
	ch := make(chan []rtcp.Packet, 16)
	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
		ch <- pkts
		return len(pkts), nil
	}), ch
}

func TestNewReceiver_Defaults(t *testing.T) {
	r := NewReceiver(nil, WithReportInterval(-1), WithStreamTimeout(0))
	defer r.Close()

	assert.Equal(t, defaultReportInterval, r.reportInterval)
	assert.Equal(t, defaultStreamTimeout, r.streamTimeout)
}

func TestReceiver_DecodesAndDispatches(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	rec := &messageRecorder{}
	var seen []MessageID
	r := NewReceiver(rec, withClock(clock), WithOnMessage(func(m Message) { seen = append(seen, m.ID) }))
	defer r.Close()

	d := NewDemux(r)
	defer d.Close()

	require.NoError(t, d.Feed(readingFrame(t, 7, 1)))
	ack, err := MarshalMessage(MsgAckRunMode, 7, 2, 0, []byte{1})
	require.NoError(t, err)
	require.NoError(t, d.Feed(ack))

	msgs := rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgSensorReadings, msgs[0].ID)
	assert.Equal(t, uint32(7), msgs[0].SSRC)
	assert.Equal(t, uint16(1), msgs[0].SequenceNumber)
	assert.Equal(t, uint32(90), msgs[0].Timestamp)
	assert.Equal(t, clock.Now(), msgs[0].Received)
	assert.Equal(t, []MessageID{MsgSensorReadings, MsgAckRunMode}, seen)

	assert.Equal(t, ReceiverStats{Received: 2}, r.Stats())
}

func TestReceiver_DropsMalformed(t *testing.T) {
	muteLogs(t)
	rec := &messageRecorder{}
	r := NewReceiver(rec)
	defer r.Close()
	d := NewDemux(r)

	unknown, err := MarshalMessage(99, 1, 1, 0, []byte{1})
	require.NoError(t, err)
	require.NoError(t, d.Feed(unknown))

	short, err := MarshalMessage(MsgSensorReadings, 1, 2, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, d.Feed(short))

	assert.Error(t, d.Feed([]byte{0x80}))

	require.NoError(t, d.Feed(readingFrame(t, 1, 3)))

	assert.Equal(t, 1, rec.count())
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(2), stats.Malformed)
}

func TestReceiver_CountsHandlerErrors(t *testing.T) {
	muteLogs(t)
	rec := &messageRecorder{err: assert.AnError}
	r := NewReceiver(rec)
	defer r.Close()

	require.NoError(t, NewDemux(r).Feed(readingFrame(t, 1, 1)))
	assert.Equal(t, uint64(1), r.Stats().HandlerErrors)
}

func TestReceiver_ReceiverReports(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	var reported []*rtcp.ReceiverReport
	r := NewReceiver(nil,
		withClock(clock),
		WithReportInterval(time.Second),
		WithReceiverSSRC(0xABCD),
		WithOnReport(func(rr *rtcp.ReceiverReport) { reported = append(reported, rr) }),
	)
	defer r.Close()

	writer, written := captureRTCP()
	r.BindRTCPWriter(writer)

	d := NewDemux(r)
	for _, seq := range []uint16{10, 11, 13, 14} {
		require.NoError(t, d.Feed(readingFrame(t, 5, seq)))
	}
	require.NoError(t, d.Feed(readingFrame(t, 3, 100)))

	clock.Advance(time.Second)

	var pkts []rtcp.Packet
	select {
	case pkts = <-written:
	case <-time.After(time.Second):
		t.Fatal("no receiver report written")
	}
	require.Len(t, pkts, 1)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0xABCD), rr.SSRC)
	require.Len(t, rr.Reports, 2)

	assert.Equal(t, uint32(3), rr.Reports[0].SSRC)
	assert.Equal(t, uint32(0), rr.Reports[0].TotalLost)

	report := rr.Reports[1]
	assert.Equal(t, uint32(5), report.SSRC)
	assert.Equal(t, uint32(1), report.TotalLost)
	assert.Equal(t, uint32(14), report.LastSequenceNumber)
	assert.Equal(t, uint8(256/5), report.FractionLost)

	require.Eventually(t, func() bool { return r.Stats().Reports == 1 }, time.Second, time.Millisecond)
	require.Len(t, reported, 1)

	// The next interval has no new loss.
	require.NoError(t, d.Feed(readingFrame(t, 5, 15)))
	clock.Advance(time.Second)
	select {
	case pkts = <-written:
	case <-time.After(time.Second):
		t.Fatal("no second receiver report written")
	}
	rr = pkts[0].(*rtcp.ReceiverReport)
	assert.Equal(t, uint8(0), rr.Reports[1].FractionLost)
	assert.Equal(t, uint32(1), rr.Reports[1].TotalLost)
}

func TestReceiver_NoReportWithoutStreams(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	r := NewReceiver(nil, withClock(clock))
	defer r.Close()

	writer, written := captureRTCP()
	r.BindRTCPWriter(writer)
	clock.Advance(time.Second)

	select {
	case <-written:
		t.Fatal("report written without streams")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReceiver_CleanupInactiveStreams(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	r := NewReceiver(nil, withClock(clock), WithStreamTimeout(5*time.Second))
	defer r.Close()

	d := NewDemux(r)
	require.NoError(t, d.Feed(readingFrame(t, 9, 1)))
	require.Len(t, r.Streams(), 1)

	clock.Advance(6 * time.Second)
	require.Eventually(t, func() bool { return len(r.Streams()) == 0 }, time.Second, time.Millisecond)
}

func TestReceiver_Unbind(t *testing.T) {
	r := NewReceiver(nil)
	defer r.Close()

	d := NewDemux(r)
	require.NoError(t, d.Feed(readingFrame(t, 4, 1)))
	require.Len(t, r.Streams(), 1)
	d.Close()
	assert.Empty(t, r.Streams())
}

func TestReceiver_CloseIsIdempotent(t *testing.T) {
	r := NewReceiver(nil)
	writer, _ := captureRTCP()
	r.BindRTCPWriter(writer)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestStreamState_SequenceWrap(t *testing.T) {
	s := newStreamState(1, time.Unix(0, 0))
	for _, seq := range []uint16{65534, 65535, 0, 2} {
		s.OnPacket(seq, time.Unix(1, 0))
	}
	// A late duplicate does not move the highest sequence number.
	s.OnPacket(65535, time.Unix(2, 0))

	report, ok := s.Report()
	require.True(t, ok)
	assert.Equal(t, uint32(1<<16+2), report.LastSequenceNumber)
	// Expected 5, received 5 including the duplicate.
	assert.Equal(t, uint32(0), report.TotalLost)
	assert.Equal(t, time.Unix(2, 0), s.LastPacket())
}

func TestStreamState_NoReportBeforeFirstPacket(t *testing.T) {
	s := newStreamState(1, time.Unix(0, 0))
	_, ok := s.Report()
	assert.False(t, ok)
}

func TestReceiverFactory(t *testing.T) {
	var created []string
	f, err := NewReceiverFactory(nil,
		WithFactoryReportInterval(200*time.Millisecond),
		WithFactoryStreamTimeout(time.Minute),
		WithFactoryReceiverSSRC(77),
		WithFactoryOnMessage(func(Message) {}),
		WithFactoryOnReport(func(*rtcp.ReceiverReport) {}),
		WithFactoryOnCreate(func(id string, _ *Receiver) { created = append(created, id) }),
	)
	require.NoError(t, err)

	i, err := f.NewInterceptor("udp")
	require.NoError(t, err)
	r, ok := i.(*Receiver)
	require.True(t, ok)
	defer r.Close()

	assert.Equal(t, 200*time.Millisecond, r.reportInterval)
	assert.Equal(t, time.Minute, r.streamTimeout)
	assert.Equal(t, uint32(77), r.receiverSSRC)
	assert.NotNil(t, r.onMessage)
	assert.NotNil(t, r.onReport)
	assert.Equal(t, []string{"udp"}, created)

	_, err = NewReceiverFactory(nil, WithFactoryReportInterval(0))
	assert.Error(t, err)
	_, err = NewReceiverFactory(nil, WithFactoryStreamTimeout(-time.Second))
	assert.Error(t, err)
}
