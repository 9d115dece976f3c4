package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/internal"
)

const (
	defaultReportInterval = time.Second
	defaultStreamTimeout  = 30 * time.Second
	cleanupInterval       = time.Second
)

// Handler processes decoded telemetry messages.
type Handler interface {
	HandleMessage(m Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(m Message) error

// HandleMessage calls f(m).
func (f HandlerFunc) HandleMessage(m Message) error {
	return f(m)
}

// Receiver is a Pion interceptor that decodes telemetry frames from remote
// streams, hands them to a Handler and reports reception quality back to the
// sender with RTCP receiver reports.
//
// Malformed frames are counted and dropped; they never stop the stream.
type Receiver struct {
	interceptor.NoOp

	handler Handler
	clock   internal.Clock
	streams sync.Map // SSRC (uint32) -> *streamState

	mu             sync.Mutex
	rtcpWriter     interceptor.RTCPWriter
	reportInterval time.Duration
	streamTimeout  time.Duration
	receiverSSRC   uint32
	onMessage      func(m Message)
	onReport       func(rr *rtcp.ReceiverReport)

	received      atomic.Uint64
	malformed     atomic.Uint64
	handlerErrors atomic.Uint64
	reports       atomic.Uint64

	closed     chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	reportOnce sync.Once
	closeOnce  sync.Once
}

// InterceptorOption is a functional option for configuring a Receiver.
type InterceptorOption func(*Receiver)

// WithReportInterval sets how often receiver reports are sent. Default 1s.
func WithReportInterval(d time.Duration) InterceptorOption {
	return func(r *Receiver) {
		r.reportInterval = d
	}
}

// WithReceiverSSRC sets the sender SSRC of outgoing receiver reports.
func WithReceiverSSRC(ssrc uint32) InterceptorOption {
	return func(r *Receiver) {
		r.receiverSSRC = ssrc
	}
}

// WithStreamTimeout sets how long a silent stream is kept. Default 30s.
func WithStreamTimeout(d time.Duration) InterceptorOption {
	return func(r *Receiver) {
		r.streamTimeout = d
	}
}

// WithOnMessage sets a callback invoked for every valid message before the
// handler runs.
func WithOnMessage(fn func(m Message)) InterceptorOption {
	return func(r *Receiver) {
		r.onMessage = fn
	}
}

// WithOnReport sets a callback invoked with every receiver report sent.
func WithOnReport(fn func(rr *rtcp.ReceiverReport)) InterceptorOption {
	return func(r *Receiver) {
		r.onReport = fn
	}
}

// withClock replaces the clock driving timestamps and report loops.
func withClock(c internal.Clock) InterceptorOption {
	return func(r *Receiver) {
		r.clock = c
	}
}

// NewReceiver creates a telemetry receiver. handler may be nil, in which case
// messages are only counted.
func NewReceiver(handler Handler, opts ...InterceptorOption) *Receiver {
	r := &Receiver{
		handler:        handler,
		clock:          internal.MonotonicClock{},
		reportInterval: defaultReportInterval,
		streamTimeout:  defaultStreamTimeout,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reportInterval <= 0 {
		r.reportInterval = defaultReportInterval
	}
	if r.streamTimeout <= 0 {
		r.streamTimeout = defaultStreamTimeout
	}
	return r
}

// Close stops the report and cleanup loops. It is safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.wg.Wait()
	return nil
}

// BindRTCPWriter captures the writer used for receiver reports and starts the
// report loop.
func (r *Receiver) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	r.mu.Lock()
	r.rtcpWriter = writer
	r.mu.Unlock()

	r.reportOnce.Do(func() {
		ticker := r.clock.NewTicker(r.reportInterval)
		r.wg.Add(1)
		go r.reportLoop(ticker)
	})
	return writer
}

// BindRemoteStream wraps reader so every frame read from it is decoded.
func (r *Receiver) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	r.startOnce.Do(func() {
		ticker := r.clock.NewTicker(cleanupInterval)
		r.wg.Add(1)
		go r.cleanupLoop(ticker)
	})

	r.streams.LoadOrStore(info.SSRC, newStreamState(info.SSRC, r.clock.Now()))

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			r.processRTP(b[:n])
		}
		return n, a, err
	})
}

// UnbindRemoteStream forgets the stream's statistics.
func (r *Receiver) UnbindRemoteStream(info *interceptor.StreamInfo) {
	r.streams.Delete(info.SSRC)
}

func (r *Receiver) processRTP(raw []byte) {
	pkt := getPacket()
	defer putPacket(pkt)

	if err := pkt.Unmarshal(raw); err != nil {
		r.malformed.Add(1)
		tsat.Logf("telemetry: dropping malformed RTP frame (%d bytes): %v", len(raw), err)
		return
	}

	now := r.clock.Now()
	state, ok := r.streams.Load(pkt.SSRC)
	if !ok {
		state, _ = r.streams.LoadOrStore(pkt.SSRC, newStreamState(pkt.SSRC, now))
	}
	state.(*streamState).OnPacket(pkt.SequenceNumber, now)

	msg := Message{
		ID:             MessageID(pkt.PayloadType),
		SSRC:           pkt.SSRC,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Payload:        append([]byte(nil), pkt.Payload...),
		Received:       now,
	}
	if err := msg.Validate(); err != nil {
		r.malformed.Add(1)
		tsat.Logf("telemetry: dropping frame from ssrc %d: %v", msg.SSRC, err)
		return
	}
	r.received.Add(1)

	if r.onMessage != nil {
		r.onMessage(msg)
	}
	if r.handler == nil {
		return
	}
	if err := r.handler.HandleMessage(msg); err != nil {
		r.handlerErrors.Add(1)
		tsat.Logf("telemetry: handling %v from ssrc %d: %v", msg.ID, msg.SSRC, err)
	}
}

func (r *Receiver) reportLoop(ticker internal.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C():
			r.sendReport()
		}
	}
}

// sendReport writes one receiver report covering every active stream.
func (r *Receiver) sendReport() {
	r.mu.Lock()
	writer := r.rtcpWriter
	r.mu.Unlock()
	if writer == nil {
		return
	}

	rr := &rtcp.ReceiverReport{SSRC: r.receiverSSRC}
	r.streams.Range(func(_, value any) bool {
		if report, ok := value.(*streamState).Report(); ok {
			rr.Reports = append(rr.Reports, report)
		}
		return true
	})
	if len(rr.Reports) == 0 {
		return
	}
	sort.Slice(rr.Reports, func(i, j int) bool { return rr.Reports[i].SSRC < rr.Reports[j].SSRC })

	if _, err := writer.Write([]rtcp.Packet{rr}, nil); err != nil {
		tsat.Logf("telemetry: sending receiver report: %v", err)
		return
	}
	if r.onReport != nil {
		r.onReport(rr)
	}
	r.reports.Add(1)
}

func (r *Receiver) cleanupLoop(ticker internal.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C():
			r.cleanupInactiveStreams(r.clock.Now())
		}
	}
}

func (r *Receiver) cleanupInactiveStreams(now time.Time) {
	r.streams.Range(func(key, value any) bool {
		if now.Sub(value.(*streamState).LastPacket()) > r.streamTimeout {
			r.streams.Delete(key)
		}
		return true
	})
}

// Streams returns per-stream statistics ordered by SSRC.
func (r *Receiver) Streams() []StreamStats {
	var out []StreamStats
	r.streams.Range(func(_, value any) bool {
		out = append(out, value.(*streamState).Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

// ReceiverStats counts frames seen by a Receiver.
type ReceiverStats struct {
	Received      uint64
	Malformed     uint64
	HandlerErrors uint64
	Reports       uint64
}

// Stats returns the receiver's counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Received:      r.received.Load(),
		Malformed:     r.malformed.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		Reports:       r.reports.Load(),
	}
}
