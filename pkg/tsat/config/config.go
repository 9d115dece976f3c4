// Package config loads the tsatd service configuration from a JSON file.
//
// Every field is optional. Omitted fields fall back to the defaults returned
// by the Get* methods, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
	"github.com/thesyncim/tsat/pkg/tsat/plant"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults used when a field is omitted.
const (
	DefaultTelemetryAddr  = ":9999"
	DefaultAPIAddr        = ":8080"
	DefaultReportInterval = time.Second
	DefaultStreamTimeout  = 30 * time.Second
	DefaultSerialBaud     = 115200
)

// GainConfig describes one StateGain.
//
// {"quaternion": 0.5} is ScalarGain(0.5). "body_rate" takes either one value
// (k·I₃) or nine row-major values; when it is omitted the quaternion value is
// used for both halves.
type GainConfig struct {
	Quaternion *float64  `json:"quaternion,omitempty"`
	BodyRate   []float64 `json:"body_rate,omitempty"`
}

// Config is the root of the service configuration file.
type Config struct {
	// Estimator
	Kp              *GainConfig `json:"kp,omitempty"`
	Ki              *GainConfig `json:"ki,omitempty"`
	Kd              *GainConfig `json:"kd,omitempty"`
	TimeVarying     *bool       `json:"time_varying,omitempty"`
	PropagateEvery  *string     `json:"propagate_every,omitempty"` // duration string like "50ms"
	InitialAttitude []float64   `json:"initial_attitude,omitempty"` // [x, y, z, w]
	InitialRate     []float64   `json:"initial_rate,omitempty"`     // [x, y, z] rad/s

	// Plant
	PlantEnabled *bool     `json:"plant_enabled,omitempty"`
	Inertia      []float64 `json:"inertia,omitempty"` // 1, 3 (diagonal) or 9 values
	MaxStep      *string   `json:"max_step,omitempty"`

	// Telemetry
	TelemetryAddr  *string `json:"telemetry_addr,omitempty"`
	ReceiverSSRC   *uint32 `json:"receiver_ssrc,omitempty"`
	ReportInterval *string `json:"report_interval,omitempty"`
	StreamTimeout  *string `json:"stream_timeout,omitempty"`
	SerialPort     *string `json:"serial_port,omitempty"`
	SerialBaud     *int    `json:"serial_baud,omitempty"`
	ReplayPCAP     *string `json:"replay_pcap,omitempty"`

	// API and storage
	APIAddr *string `json:"api_addr,omitempty"`
	DBPath  *string `json:"db_path,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file.
// The file must have a .json extension and be at most 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set field is usable.
func (c *Config) Validate() error {
	for name, g := range map[string]*GainConfig{"kp": c.Kp, "ki": c.Ki, "kd": c.Kd} {
		if _, err := g.Gain(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	durations := map[string]*string{
		"propagate_every": c.PropagateEvery,
		"max_step":        c.MaxStep,
		"report_interval": c.ReportInterval,
		"stream_timeout":  c.StreamTimeout,
	}
	for name, s := range durations {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", name, d)
		}
	}

	if n := len(c.InitialAttitude); n != 0 && n != 4 {
		return fmt.Errorf("initial_attitude must have 4 values [x, y, z, w], got %d", n)
	}
	if n := len(c.InitialRate); n != 0 && n != 3 {
		return fmt.Errorf("initial_rate must have 3 values, got %d", n)
	}
	if n := len(c.Inertia); n != 0 && n != 1 && n != 3 && n != 9 {
		return fmt.Errorf("inertia must have 1, 3 or 9 values, got %d", n)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	return nil
}

// Gain converts the config into a tsat.Gain. A nil GainConfig yields a nil
// Gain, which disables the term.
func (g *GainConfig) Gain() (tsat.Gain, error) {
	if g == nil {
		return nil, nil
	}
	var k float64
	if g.Quaternion != nil {
		k = *g.Quaternion
	}

	var w tsat.BodyRateGain
	switch len(g.BodyRate) {
	case 0:
		if g.Quaternion == nil {
			return nil, fmt.Errorf("gain needs quaternion or body_rate")
		}
		w = tsat.ScalarBodyRateGain(k)
	case 1:
		w = tsat.ScalarBodyRateGain(g.BodyRate[0])
	case 9:
		var m [9]float64
		copy(m[:], g.BodyRate)
		w = tsat.NewBodyRateGain(m)
	default:
		return nil, fmt.Errorf("body_rate must have 1 or 9 values, got %d", len(g.BodyRate))
	}
	return tsat.NewStateGain(tsat.QuaternionGain{K: k}, w), nil
}

// GetTimeVarying returns the time_varying value or the default (true).
func (c *Config) GetTimeVarying() bool {
	if c.TimeVarying == nil {
		return true
	}
	return *c.TimeVarying
}

// GetPropagateEvery returns propagate_every, or zero (disabled).
func (c *Config) GetPropagateEvery() time.Duration {
	return parseDuration(c.PropagateEvery, 0)
}

// GetInitialCondition returns the configured initial estimate, or nil when
// neither initial_attitude nor initial_rate is set.
func (c *Config) GetInitialCondition() *tsat.State {
	if len(c.InitialAttitude) == 0 && len(c.InitialRate) == 0 {
		return nil
	}
	s := tsat.NewState()
	if len(c.InitialAttitude) == 4 {
		a := c.InitialAttitude
		s.Q = tsat.NewQuaternion(a[0], a[1], a[2], a[3])
	}
	if len(c.InitialRate) == 3 {
		s.W = r3.Vec{X: c.InitialRate[0], Y: c.InitialRate[1], Z: c.InitialRate[2]}
	}
	return &s
}

// PIDConfig builds the estimator configuration. Without any gain in the
// file the default proportional gain is used.
func (c *Config) PIDConfig() (tsat.PIDConfig, error) {
	pc := tsat.DefaultPIDConfig()
	if c.Kp != nil || c.Ki != nil || c.Kd != nil {
		var err error
		if pc.Kp, err = c.Kp.Gain(); err != nil {
			return pc, fmt.Errorf("kp: %w", err)
		}
		if pc.Ki, err = c.Ki.Gain(); err != nil {
			return pc, fmt.Errorf("ki: %w", err)
		}
		if pc.Kd, err = c.Kd.Gain(); err != nil {
			return pc, fmt.Errorf("kd: %w", err)
		}
	}
	pc.TimeVarying = c.GetTimeVarying()
	pc.PropagateEvery = c.GetPropagateEvery()
	pc.InitialCondition = c.GetInitialCondition()
	return pc, nil
}

// GetPlantEnabled returns plant_enabled or the default (true).
func (c *Config) GetPlantEnabled() bool {
	if c.PlantEnabled == nil {
		return true
	}
	return *c.PlantEnabled
}

// PlantConfig builds the rigid-body configuration.
func (c *Config) PlantConfig() plant.Config {
	pc := plant.DefaultConfig()
	switch len(c.Inertia) {
	case 1:
		i := c.Inertia[0]
		pc.Inertia = [9]float64{i, 0, 0, 0, i, 0, 0, 0, i}
	case 3:
		pc.Inertia = [9]float64{c.Inertia[0], 0, 0, 0, c.Inertia[1], 0, 0, 0, c.Inertia[2]}
	case 9:
		copy(pc.Inertia[:], c.Inertia)
	}
	pc.MaxStep = parseDuration(c.MaxStep, pc.MaxStep)
	pc.InitialState = c.GetInitialCondition()
	return pc
}

// GetTelemetryAddr returns the UDP telemetry listen address.
func (c *Config) GetTelemetryAddr() string {
	return stringOr(c.TelemetryAddr, DefaultTelemetryAddr)
}

// GetReceiverSSRC returns the SSRC used in receiver reports.
func (c *Config) GetReceiverSSRC() uint32 {
	if c.ReceiverSSRC == nil {
		return 0
	}
	return *c.ReceiverSSRC
}

// GetReportInterval returns the receiver report interval.
func (c *Config) GetReportInterval() time.Duration {
	return parseDuration(c.ReportInterval, DefaultReportInterval)
}

// GetStreamTimeout returns how long an idle telemetry stream is kept.
func (c *Config) GetStreamTimeout() time.Duration {
	return parseDuration(c.StreamTimeout, DefaultStreamTimeout)
}

// GetSerialPort returns the serial device, or "" when serial input is off.
func (c *Config) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

// GetSerialBaud returns the serial baud rate.
func (c *Config) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return DefaultSerialBaud
	}
	return *c.SerialBaud
}

// GetReplayPCAP returns the capture file to replay, or "".
func (c *Config) GetReplayPCAP() string {
	return stringOr(c.ReplayPCAP, "")
}

// GetAPIAddr returns the HTTP API listen address.
func (c *Config) GetAPIAddr() string {
	return stringOr(c.APIAddr, DefaultAPIAddr)
}

// GetDBPath returns the SQLite path, or "" when history is not stored.
func (c *Config) GetDBPath() string {
	return stringOr(c.DBPath, "")
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
