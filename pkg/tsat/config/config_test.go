package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, "tsatd.json", `{
		"kp": {"quaternion": 0.4},
		"ki": {"quaternion": 0.1, "body_rate": [0.2]},
		"kd": {"quaternion": 0.05, "body_rate": [1, 0, 0, 0, 2, 0, 0, 0, 3]},
		"time_varying": false,
		"propagate_every": "20ms",
		"initial_attitude": [0, 0, 0, 1],
		"initial_rate": [0.1, 0, 0],
		"inertia": [2, 3, 5],
		"max_step": "5ms",
		"telemetry_addr": "127.0.0.1:7000",
		"receiver_ssrc": 42,
		"report_interval": "250ms",
		"serial_port": "/dev/ttyUSB0",
		"api_addr": ":9090",
		"db_path": "tsat.db"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	pc, err := cfg.PIDConfig()
	require.NoError(t, err)
	assert.Equal(t, tsat.ScalarGain(0.4), pc.Kp)
	assert.Equal(t, tsat.NewStateGain(tsat.QuaternionGain{K: 0.1}, tsat.ScalarBodyRateGain(0.2)), pc.Ki)
	kd, ok := pc.Kd.(tsat.StateGain)
	require.True(t, ok)
	assert.Equal(t, [9]float64{1, 0, 0, 0, 2, 0, 0, 0, 3}, kd.W.Matrix())
	assert.False(t, pc.TimeVarying)
	assert.Equal(t, 20*time.Millisecond, pc.PropagateEvery)
	require.NotNil(t, pc.InitialCondition)
	assert.Equal(t, r3.Vec{X: 0.1}, pc.InitialCondition.W)

	plantCfg := cfg.PlantConfig()
	assert.Equal(t, [9]float64{2, 0, 0, 0, 3, 0, 0, 0, 5}, plantCfg.Inertia)
	assert.Equal(t, 5*time.Millisecond, plantCfg.MaxStep)

	assert.Equal(t, "127.0.0.1:7000", cfg.GetTelemetryAddr())
	assert.Equal(t, uint32(42), cfg.GetReceiverSSRC())
	assert.Equal(t, 250*time.Millisecond, cfg.GetReportInterval())
	assert.Equal(t, DefaultStreamTimeout, cfg.GetStreamTimeout())
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.Equal(t, DefaultSerialBaud, cfg.GetSerialBaud())
	assert.Equal(t, ":9090", cfg.GetAPIAddr())
	assert.Equal(t, "tsat.db", cfg.GetDBPath())
}

func TestEmpty_Defaults(t *testing.T) {
	cfg := Empty()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.PIDConfig()
	require.NoError(t, err)
	def := tsat.DefaultPIDConfig()
	assert.Equal(t, def.Kp, pc.Kp)
	assert.Nil(t, pc.Ki)
	assert.Nil(t, pc.Kd)
	assert.True(t, pc.TimeVarying)
	assert.Zero(t, pc.PropagateEvery)
	assert.Nil(t, pc.InitialCondition)

	assert.True(t, cfg.GetPlantEnabled())
	assert.Equal(t, [9]float64{4, 0, 0, 0, 4, 0, 0, 0, 4}, cfg.PlantConfig().Inertia)
	assert.Equal(t, DefaultTelemetryAddr, cfg.GetTelemetryAddr())
	assert.Equal(t, DefaultAPIAddr, cfg.GetAPIAddr())
	assert.Equal(t, DefaultReportInterval, cfg.GetReportInterval())
	assert.Empty(t, cfg.GetSerialPort())
	assert.Empty(t, cfg.GetReplayPCAP())
	assert.Empty(t, cfg.GetDBPath())
}

func TestPIDConfig_OnlyIntegral(t *testing.T) {
	k := 0.3
	cfg := &Config{Ki: &GainConfig{Quaternion: &k}}
	pc, err := cfg.PIDConfig()
	require.NoError(t, err)
	assert.Nil(t, pc.Kp)
	assert.Equal(t, tsat.ScalarGain(0.3), pc.Ki)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{name: "extension", file: "tsatd.yaml", body: `{}`, wantErr: ".json extension"},
		{name: "syntax", file: "c.json", body: `{`, wantErr: "failed to parse"},
		{name: "duration", file: "c.json", body: `{"propagate_every": "soon"}`, wantErr: "propagate_every"},
		{name: "negative duration", file: "c.json", body: `{"report_interval": "-1s"}`, wantErr: "non-negative"},
		{name: "attitude", file: "c.json", body: `{"initial_attitude": [1, 2]}`, wantErr: "initial_attitude"},
		{name: "rate", file: "c.json", body: `{"initial_rate": [1]}`, wantErr: "initial_rate"},
		{name: "inertia", file: "c.json", body: `{"inertia": [1, 2]}`, wantErr: "inertia"},
		{name: "empty gain", file: "c.json", body: `{"kp": {}}`, wantErr: "kp"},
		{name: "gain shape", file: "c.json", body: `{"kd": {"body_rate": [1, 2]}}`, wantErr: "body_rate"},
		{name: "baud", file: "c.json", body: `{"serial_baud": 0}`, wantErr: "serial_baud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "failed to stat")
}

func TestLoad_TooLarge(t *testing.T) {
	body := `{"api_addr": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", body))
	assert.ErrorContains(t, err, "too large")
}
