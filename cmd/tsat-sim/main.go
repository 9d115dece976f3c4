// tsat-sim simulates a spacecraft downlink for tsatd.
//
// A rigid body is driven by a sinusoidal torque profile; its attitude and body
// rate, corrupted by gaussian noise, are sent as sensor reading RTP packets.
// Receiver reports coming back from tsatd are printed with the periodic
// status.
//
// Usage:
//
//	go run ./cmd/tsat-sim -addr 127.0.0.1:9999
//	go run ./cmd/tsat-sim -duration 1m -pcap sim.pcap   # record for replay
//	go run ./cmd/tsat-sim -serial /dev/ttyUSB0
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtcp"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/plant"
	"github.com/thesyncim/tsat/pkg/tsat/telemetry"
)

// rtpClockRate is the RTP timestamp rate of the simulated downlink.
const rtpClockRate = 1000

type options struct {
	addr        string
	serialPort  string
	serialBaud  int
	pcapPath    string
	ssrc        uint32
	rate        float64
	duration    time.Duration
	statusEvery time.Duration
	torque      float64
	period      time.Duration
	spin        float64
	attNoise    float64
	rateNoise   float64
	seed        uint64
}

func main() {
	var o options
	var ssrc uint
	flag.StringVar(&o.addr, "addr", fmt.Sprintf("127.0.0.1:%d", telemetry.DefaultPort), "tsatd telemetry address")
	flag.StringVar(&o.serialPort, "serial", "", "Send frames on this serial device instead of UDP")
	flag.IntVar(&o.serialBaud, "baud", 115200, "Serial baud rate")
	flag.StringVar(&o.pcapPath, "pcap", "", "Record sent datagrams to this pcap file")
	flag.UintVar(&ssrc, "ssrc", 1, "Spacecraft SSRC")
	flag.Float64Var(&o.rate, "rate", 20, "Sensor readings per second")
	flag.DurationVar(&o.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.DurationVar(&o.statusEvery, "status", 5*time.Second, "Status print interval")
	flag.Float64Var(&o.torque, "torque", 0.05, "Torque amplitude, N·m")
	flag.DurationVar(&o.period, "period", 30*time.Second, "Torque profile period")
	flag.Float64Var(&o.spin, "spin", 0.1, "Initial spin rate about z, rad/s")
	flag.Float64Var(&o.attNoise, "att-noise", 0.01, "Attitude noise standard deviation, rad")
	flag.Float64Var(&o.rateNoise, "rate-noise", 0.005, "Body rate noise standard deviation, rad/s")
	flag.Uint64Var(&o.seed, "seed", 1, "Noise seed")
	flag.Parse()
	o.ssrc = uint32(ssrc)

	if o.rate <= 0 {
		log.Fatalf("rate must be positive, got %v", o.rate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if o.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, stopping...\n", sig)
		cancel()
	}()

	if err := run(ctx, o); err != nil {
		log.Fatalf("tsat-sim: %v", err)
	}
}

// downlink carries marshalled RTP frames to tsatd and returns its RTCP.
type downlink interface {
	Send(frame []byte) error
	Receive(buf []byte) ([]byte, error)
	Close() error
}

type udpLink struct {
	conn     *net.UDPConn
	recorder *telemetry.PCAPRecorder
}

func (l *udpLink) Send(frame []byte) error {
	if _, err := l.conn.Write(frame); err != nil {
		return err
	}
	if l.recorder != nil {
		src := l.conn.LocalAddr().(*net.UDPAddr)
		dst := l.conn.RemoteAddr().(*net.UDPAddr)
		return l.recorder.WriteDatagram(src, dst, frame, time.Now())
	}
	return nil
}

func (l *udpLink) Receive(buf []byte) ([]byte, error) {
	n, err := l.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *udpLink) Close() error { return l.conn.Close() }

type serialLink struct {
	port io.ReadWriteCloser
	mu   sync.Mutex
}

func (l *serialLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return telemetry.WriteFrame(l.port, frame)
}

func (l *serialLink) Receive(buf []byte) ([]byte, error) {
	return telemetry.ReadFrame(l.port, buf)
}

func (l *serialLink) Close() error { return l.port.Close() }

func openLink(o options) (downlink, func() error, error) {
	if o.serialPort != "" {
		port, err := telemetry.OpenSerial(o.serialPort, o.serialBaud)
		if err != nil {
			return nil, nil, err
		}
		return &serialLink{port: port}, func() error { return nil }, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", o.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", o.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", o.addr, err)
	}
	link := &udpLink{conn: conn}
	closePCAP := func() error { return nil }
	if o.pcapPath != "" {
		f, err := os.Create(o.pcapPath)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		link.recorder, err = telemetry.NewPCAPRecorder(f)
		if err != nil {
			f.Close()
			conn.Close()
			return nil, nil, err
		}
		closePCAP = f.Close
	}
	return link, closePCAP, nil
}

// torqueAt is the applied moment t into the run: a sinusoid per axis with
// staggered phases.
func torqueAt(amplitude float64, period, t time.Duration) r3.Vec {
	phase := 2 * math.Pi * t.Seconds() / period.Seconds()
	return r3.Vec{
		X: amplitude * math.Sin(phase),
		Y: amplitude * math.Sin(phase+2*math.Pi/3),
		Z: 0.5 * amplitude * math.Sin(phase+4*math.Pi/3),
	}
}

// corrupt returns a noisy reading of truth.
func corrupt(rng *rand.Rand, truth tsat.State, moment r3.Vec, attNoise, rateNoise float64) telemetry.SensorReading {
	half := r3.Scale(0.5*attNoise, r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
	dq := quat.Exp(quat.Number{Imag: half.X, Jmag: half.Y, Kmag: half.Z})
	rate := r3.Add(truth.W, r3.Scale(rateNoise, r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}))

	r := telemetry.SensorReading{
		Attitude: quat.Mul(truth.Q, dq),
		Rate:     rate,
		Moment:   moment,
	}
	r.Raw = [telemetry.RawChannels]float64{rate.X, rate.Y, rate.Z, r3.Norm(moment), 0}
	return r
}

type status struct {
	mu         sync.Mutex
	sent       uint64
	sendErrors uint64
	lastReport *rtcp.ReceptionReport
}

func run(ctx context.Context, o options) error {
	cfg := plant.DefaultConfig()
	initial := tsat.State{Q: tsat.IdentityQuaternion, W: r3.Vec{Z: o.spin}}
	cfg.InitialState = &initial
	body, err := plant.New(cfg, nil)
	if err != nil {
		return err
	}

	link, closePCAP, err := openLink(o)
	if err != nil {
		return err
	}
	defer closePCAP()
	defer link.Close()

	var st status
	go readReports(link, o.ssrc, &st)

	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	interval := time.Duration(float64(time.Second) / o.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(o.statusEvery)
	defer statusTicker.Stop()

	start := time.Now()
	var seq uint16
	buf := make([]byte, 0, telemetry.ReadingValues*8)

	fmt.Printf("tsat-sim: SSRC %d, %.0f readings/s\n", o.ssrc, o.rate)
	for {
		select {
		case <-ctx.Done():
			printStatus(time.Since(start), body, &st)
			return nil

		case now := <-ticker.C:
			elapsed := now.Sub(start)
			moment := torqueAt(o.torque, o.period, elapsed)
			body.SetMoment(moment)
			if err := body.Propagate(); err != nil {
				return err
			}

			reading := corrupt(rng, body.State(), moment, o.attNoise, o.rateNoise)
			buf = telemetry.AppendSensorReading(buf[:0], reading)
			ts := uint32(elapsed.Seconds() * rtpClockRate)
			frame, err := telemetry.MarshalMessage(telemetry.MsgSensorReadings, o.ssrc, seq, ts, buf)
			if err != nil {
				return err
			}
			seq++

			err = link.Send(frame)
			st.mu.Lock()
			if err != nil {
				st.sendErrors++
			} else {
				st.sent++
			}
			st.mu.Unlock()

		case <-statusTicker.C:
			printStatus(time.Since(start), body, &st)
		}
	}
}

func readReports(link downlink, ssrc uint32, st *status) {
	buf := make([]byte, 1500)
	for {
		data, err := link.Receive(buf)
		if errors.Is(err, syscall.ECONNREFUSED) {
			// tsatd is not listening yet.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Printf("RTCP read: %v", err)
			}
			return
		}
		pkts, err := rtcp.Unmarshal(data)
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for i := range rr.Reports {
				if rr.Reports[i].SSRC != ssrc {
					continue
				}
				report := rr.Reports[i]
				st.mu.Lock()
				st.lastReport = &report
				st.mu.Unlock()
			}
		}
	}
}

func printStatus(elapsed time.Duration, body *plant.RigidBody, st *status) {
	s := body.State()
	st.mu.Lock()
	defer st.mu.Unlock()

	fmt.Printf("[%s] sent=%d errors=%d truth=%v\n", elapsed.Truncate(time.Second), st.sent, st.sendErrors, s)
	if st.lastReport != nil {
		fmt.Printf("[%s] receiver: lost=%d fraction=%.1f%% highest_seq=%d\n",
			elapsed.Truncate(time.Second), st.lastReport.TotalLost,
			100*float64(st.lastReport.FractionLost)/256, st.lastReport.LastSequenceNumber)
	}
}
