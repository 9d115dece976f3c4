package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"

	"github.com/thesyncim/tsat/pkg/tsat"
)

// DefaultPort is the spacecraft telemetry UDP port.
const DefaultPort = 9999

// Listener receives RTP telemetry datagrams on a UDP socket. Receiver reports
// produced by the chain are sent to the address of the most recent sender.
type Listener struct {
	conn  *net.UDPConn
	demux *Demux

	mu       sync.Mutex
	lastAddr *net.UDPAddr

	packets atomic.Uint64
	dropped atomic.Uint64
}

// ListenUDP opens a UDP socket on address and binds it to chain.
func ListenUDP(address string, chain interceptor.Interceptor) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}

	l := &Listener{
		conn:  conn,
		demux: NewDemux(chain),
	}
	chain.BindRTCPWriter(interceptor.RTCPWriterFunc(l.writeRTCP))
	return l, nil
}

// Addr returns the local socket address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (l *Listener) Serve(ctx context.Context) error {
	tsat.Logf("telemetry: UDP listener started on %s", l.conn.LocalAddr())

	buffer := make([]byte, maxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// The deadline lets the loop observe cancellation.
		_ = l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			tsat.Logf("telemetry: UDP read error: %v", err)
			continue
		}

		l.packets.Add(1)
		l.mu.Lock()
		l.lastAddr = addr
		l.mu.Unlock()

		if err := l.demux.Feed(buffer[:n]); err != nil {
			l.dropped.Add(1)
			tsat.Logf("telemetry: frame from %v: %v", addr, err)
		}
	}
}

func (l *Listener) writeRTCP(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	l.mu.Lock()
	addr := l.lastAddr
	l.mu.Unlock()
	if addr == nil {
		return 0, nil
	}

	data, err := rtcp.Marshal(pkts)
	if err != nil {
		return 0, err
	}
	return l.conn.WriteToUDP(data, addr)
}

// Counts returns how many datagrams were read and how many were dropped
// before reaching the chain.
func (l *Listener) Counts() (packets, dropped uint64) {
	return l.packets.Load(), l.dropped.Load()
}

// Close closes the socket and unbinds all streams.
func (l *Listener) Close() error {
	err := l.conn.Close()
	l.demux.Close()
	return err
}
