package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/interceptor"

	"github.com/thesyncim/tsat/pkg/tsat"
)

// ReplayConfig configures ReplayPCAP.
type ReplayConfig struct {
	// Port keeps only UDP datagrams sent to this port. Zero keeps all.
	Port int

	// Realtime paces frames by their capture timestamps.
	Realtime bool
}

// ReplayPCAP feeds UDP telemetry recorded in a pcap capture read from r
// through chain. It returns the number of frames fed. Frames the chain
// rejects are logged and skipped.
func ReplayPCAP(ctx context.Context, r io.Reader, chain interceptor.Interceptor, config ReplayConfig) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("telemetry: read pcap header: %w", err)
	}

	demux := NewDemux(chain)
	defer demux.Close()

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	fed := 0
	var lastCapture time.Time

	for {
		select {
		case <-ctx.Done():
			return fed, ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				tsat.Logf("telemetry: pcap replay complete: %d frames", fed)
				return fed, nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if config.Port != 0 && int(udp.DstPort) != config.Port {
				continue
			}

			if config.Realtime {
				ts := packet.Metadata().Timestamp
				if !lastCapture.IsZero() && ts.After(lastCapture) {
					select {
					case <-ctx.Done():
						return fed, ctx.Err()
					case <-time.After(ts.Sub(lastCapture)):
					}
				}
				lastCapture = ts
			}

			if err := demux.Feed(udp.Payload); err != nil {
				tsat.Logf("telemetry: pcap frame: %v", err)
				continue
			}
			fed++
		}
	}
}

// PCAPRecorder writes UDP telemetry datagrams to a pcap capture as
// Ethernet/IPv4/UDP frames.
type PCAPRecorder struct {
	w *pcapgo.Writer
}

// NewPCAPRecorder writes the pcap file header to w.
func NewPCAPRecorder(w io.Writer) (*PCAPRecorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(maxFrameSize, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("telemetry: write pcap header: %w", err)
	}
	return &PCAPRecorder{w: pw}, nil
}

// WriteDatagram records payload sent from src to dst at ts.
func (p *PCAPRecorder) WriteDatagram(src, dst *net.UDPAddr, payload []byte, ts time.Time) error {
	srcIP, dstIP := src.IP.To4(), dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return fmt.Errorf("telemetry: pcap recorder needs IPv4 addresses, got %v -> %v", src, dst)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("telemetry: serialize datagram: %w", err)
	}

	data := buf.Bytes()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}
