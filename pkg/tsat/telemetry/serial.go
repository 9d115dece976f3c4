package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"go.bug.st/serial"

	"github.com/thesyncim/tsat/pkg/tsat"
)

// OpenSerial opens a serial device at baud with 8N1 framing.
func OpenSerial(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open serial %s: %w", path, err)
	}
	return port, nil
}

// WriteFrame writes frame to w with a two-byte big-endian length prefix.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > 0xFFFF {
		return fmt.Errorf("telemetry: frame of %d bytes exceeds 65535", len(frame))
	}
	buf := make([]byte, 2, 2+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(frame)))
	_, err := w.Write(append(buf, frame...))
	return err
}

// ReadFrame reads one length-prefixed frame from r into buf, growing it if
// needed, and returns the frame.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// SerialReader reads length-prefixed RTP frames from a serial line and
// writes receiver reports back on the same line.
type SerialReader struct {
	port  io.ReadWriteCloser
	demux *Demux

	writeMu sync.Mutex
	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewSerialReader binds port to chain. port is usually from OpenSerial.
func NewSerialReader(port io.ReadWriteCloser, chain interceptor.Interceptor) *SerialReader {
	s := &SerialReader{
		port:  port,
		demux: NewDemux(chain),
	}
	chain.BindRTCPWriter(interceptor.RTCPWriterFunc(s.writeRTCP))
	return s
}

// Serve reads frames until the port reaches EOF, fails, or ctx is cancelled.
// Cancellation closes the port.
func (s *SerialReader) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.port.Close() })
	defer stop()

	buf := make([]byte, 1500)
	for {
		frame, err := ReadFrame(s.port, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("telemetry: serial read: %w", err)
		}
		if cap(frame) > cap(buf) {
			buf = frame
		}

		s.frames.Add(1)
		if err := s.demux.Feed(frame); err != nil {
			s.dropped.Add(1)
			tsat.Logf("telemetry: serial frame: %v", err)
		}
	}
}

func (s *SerialReader) writeRTCP(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	data, err := rtcp.Marshal(pkts)
	if err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteFrame(s.port, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Counts returns how many frames were read and how many were dropped
// before reaching the chain.
func (s *SerialReader) Counts() (frames, dropped uint64) {
	return s.frames.Load(), s.dropped.Load()
}

// Close closes the port and unbinds all streams.
func (s *SerialReader) Close() error {
	err := s.port.Close()
	s.demux.Close()
	return err
}
