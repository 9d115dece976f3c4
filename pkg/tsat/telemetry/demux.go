package telemetry

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

const maxFrameSize = 1 << 16

// Demux pushes raw frames from a transport through an interceptor chain.
//
// The first frame of every SSRC binds a remote stream on the chain; later
// frames for that SSRC are read through the reader the chain returned.
type Demux struct {
	chain interceptor.Interceptor

	mu      sync.Mutex
	streams map[uint32]*demuxStream
	pending []byte
	buf     []byte
}

type demuxStream struct {
	info   *interceptor.StreamInfo
	reader interceptor.RTPReader
}

// NewDemux creates a Demux feeding chain.
func NewDemux(chain interceptor.Interceptor) *Demux {
	return &Demux{
		chain:   chain,
		streams: make(map[uint32]*demuxStream),
		buf:     make([]byte, 1500),
	}
}

// Feed passes one frame through the chain. The frame is not retained.
func (d *Demux) Feed(frame []byte) error {
	var header rtp.Header
	if _, err := header.Unmarshal(frame); err != nil {
		return fmt.Errorf("telemetry: invalid RTP header: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[header.SSRC]
	if !ok {
		info := &interceptor.StreamInfo{
			ID:   fmt.Sprintf("ssrc-%d", header.SSRC),
			SSRC: header.SSRC,
		}
		s = &demuxStream{
			info:   info,
			reader: d.chain.BindRemoteStream(info, interceptor.RTPReaderFunc(d.readPending)),
		}
		d.streams[header.SSRC] = s
	}

	if len(frame) > len(d.buf) {
		d.buf = make([]byte, len(frame))
	}
	d.pending = frame
	_, _, err := s.reader.Read(d.buf, nil)
	d.pending = nil
	return err
}

func (d *Demux) readPending(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	return copy(b, d.pending), a, nil
}

// Close unbinds every stream from the chain.
func (d *Demux) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ssrc, s := range d.streams {
		d.chain.UnbindRemoteStream(s.info)
		delete(d.streams, ssrc)
	}
}
