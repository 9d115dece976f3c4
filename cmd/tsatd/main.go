// tsatd runs the attitude estimation service.
//
// It listens for RTP telemetry from the spacecraft, feeds sensor readings to
// the estimator registry, records estimates to SQLite, and serves them over
// HTTP and a websocket stream.
//
// Usage:
//
//	go run ./cmd/tsatd -config tsat.json
//	go run ./cmd/tsatd -telemetry :9999 -api :8080 -db tsat.db
//	go run ./cmd/tsatd -replay capture.pcap -db replay.db
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/api"
	"github.com/thesyncim/tsat/pkg/tsat/config"
	"github.com/thesyncim/tsat/pkg/tsat/plant"
	"github.com/thesyncim/tsat/pkg/tsat/store"
	"github.com/thesyncim/tsat/pkg/tsat/telemetry"
)

const statusInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	telemetryAddr := flag.String("telemetry", "", "UDP telemetry listen address (overrides config)")
	apiAddr := flag.String("api", "", "HTTP API listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite history path (overrides config)")
	serialPort := flag.String("serial", "", "Serial telemetry device (overrides config)")
	replay := flag.String("replay", "", "pcap capture to replay (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	override(&cfg.TelemetryAddr, *telemetryAddr)
	override(&cfg.APIAddr, *apiAddr)
	override(&cfg.DBPath, *dbPath)
	override(&cfg.SerialPort, *serialPort)
	override(&cfg.ReplayPCAP, *replay)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tsatd: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Empty(), nil
	}
	return config.Load(path)
}

func override(field **string, value string) {
	if value != "" {
		*field = &value
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pidConfig, err := cfg.PIDConfig()
	if err != nil {
		return err
	}

	var body *plant.RigidBody
	var p tsat.Plant
	if cfg.GetPlantEnabled() {
		body, err = plant.New(cfg.PlantConfig(), nil)
		if err != nil {
			return err
		}
		p = body
	}

	registry, err := tsat.NewDefaultRegistry(pidConfig, p, nil)
	if err != nil {
		return err
	}
	defer registry.Close()

	var history api.HistoryStore
	if path := cfg.GetDBPath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()
		registry.OnUpdate(st.Sink())
		history = st
		log.Printf("Recording estimates to %s (run %s)", path, st.RunID())
	}

	srv, err := api.NewServer(api.ConfigFrom(cfg), registry, history)
	if err != nil {
		return err
	}
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	log.Printf("API listening on %s", addr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("API shutdown: %v", err)
		}
	}()

	var (
		receiversMu sync.Mutex
		receivers   = map[string]*telemetry.Receiver{}
	)
	var updater telemetry.Updater = registry
	if body != nil {
		updater = momentFeed{body: body, next: registry}
	}
	factory, err := telemetry.NewReceiverFactory(telemetry.EstimatorHandler(updater),
		telemetry.WithFactoryReportInterval(cfg.GetReportInterval()),
		telemetry.WithFactoryStreamTimeout(cfg.GetStreamTimeout()),
		telemetry.WithFactoryReceiverSSRC(cfg.GetReceiverSSRC()),
		telemetry.WithFactoryOnCreate(func(id string, r *telemetry.Receiver) {
			receiversMu.Lock()
			receivers[id] = r
			receiversMu.Unlock()
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		receiversMu.Lock()
		defer receiversMu.Unlock()
		for _, r := range receivers {
			r.Close()
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	listener, err := telemetry.ListenUDP(cfg.GetTelemetryAddr(), factory.NewReceiver("udp"))
	if err != nil {
		return err
	}
	defer listener.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("UDP telemetry stopped: %v", err)
		}
	}()

	if path := cfg.GetSerialPort(); path != "" {
		port, err := telemetry.OpenSerial(path, cfg.GetSerialBaud())
		if err != nil {
			return err
		}
		reader := telemetry.NewSerialReader(port, factory.NewReceiver("serial"))
		defer reader.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reader.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Serial telemetry stopped: %v", err)
			}
		}()
		log.Printf("Reading serial telemetry from %s at %d baud", path, cfg.GetSerialBaud())
	}

	if path := cfg.GetReplayPCAP(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()
		replayConfig := telemetry.ReplayConfig{Port: telemetryPort(cfg.GetTelemetryAddr()), Realtime: true}
		recv := factory.NewReceiver("replay")
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := telemetry.ReplayPCAP(ctx, f, recv, replayConfig)
			if err != nil && ctx.Err() == nil {
				log.Printf("Replay of %s failed after %d frames: %v", path, n, err)
				return
			}
			log.Printf("Replayed %d frames from %s", n, path)
		}()
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printStatus(registry, body, srv, &receiversMu, receivers)
		}
	}
}

// momentFeed applies the torque reported with each reading to the plant
// before the estimators predict from it.
type momentFeed struct {
	body *plant.RigidBody
	next telemetry.Updater
}

func (f momentFeed) Update(m tsat.Measurement) (map[string]tsat.State, error) {
	if m.Moment != nil {
		f.body.SetMoment(*m.Moment)
	}
	return f.next.Update(m)
}

// telemetryPort extracts the port of a listen address, or 0 if it has none.
func telemetryPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func printStatus(registry *tsat.Registry, body *plant.RigidBody, srv *api.Server, mu *sync.Mutex, receivers map[string]*telemetry.Receiver) {
	for _, name := range registry.Names() {
		est, err := registry.Estimate(name)
		if err != nil {
			continue
		}
		log.Printf("[%s] %v", name, est)
	}
	if body != nil {
		log.Printf("[plant] steps=%d |L|=%.4f", body.Steps(), r3.Norm(body.AngularMomentum()))
	}

	mu.Lock()
	defer mu.Unlock()
	for id, r := range receivers {
		s := r.Stats()
		log.Printf("[%s] received=%d malformed=%d handler_errors=%d reports=%d streams=%d",
			id, s.Received, s.Malformed, s.HandlerErrors, s.Reports, len(r.Streams()))
	}
	log.Printf("[api] websocket clients=%d dropped=%d", srv.Clients(), srv.Dropped())
}
