package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "run", cfg.Run.Title)
	assert.Equal(t, float64(1), cfg.Run.RateHz)
	assert.False(t, cfg.Run.PerChannelTimes)
	assert.Len(t, cfg.Channels, 1)
	assert.Equal(t, 60, cfg.Acquisition.BurstSize)
	assert.Equal(t, time.Millisecond, cfg.Acquisition.ChannelDelay)
	assert.Equal(t, 2*time.Millisecond, cfg.Acquisition.PacingOverhead)
	assert.Equal(t, uint64(10), cfg.Acquisition.MaxPassRetries)
	assert.Equal(t, float64(20), cfg.Acquisition.MaxRateHz)
	assert.Equal(t, 500*time.Millisecond, cfg.Acquisition.StopGrace)
	assert.Equal(t, 200*time.Millisecond, cfg.Acquisition.DrainPoll)
	assert.Equal(t, []string{"/dev/i2c-1"}, cfg.Boards.I2CBuses)
	assert.Equal(t, 475, cfg.Boards.ADS1115Rate)
	assert.Equal(t, "/dev/spidev0.1", cfg.Boards.DAQC2.SPIDevice)
	assert.Equal(t, 25, cfg.Boards.DAQC2.FramePin)
	assert.Equal(t, 23, cfg.Boards.DAQC2.AckPin)
	assert.Equal(t, 2*time.Millisecond, cfg.Boards.Streamer.SamplePeriod)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "run", cfg.Run.Title)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
run:
  title: "cooling curve"
  rate_hz: 2
  averaging_time: 50ms
  per_channel_times: true
  cycles: 10

channels:
  - board: 0
    channel: 1
    gain: 2
    sensor: VernierSSTemp
    unit: C
    label: water
  - board: 1
    channel: 3
    sensor: VernierGasP
    unit: kPa
    label: flask
    disabled: true

acquisition:
  burst_size: 30
  drain_timeout: 5s

boards:
  simulated: true
  streamer:
    port: /dev/ttyACM0

log:
  level: debug
  encoding: json
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "cooling curve", cfg.Run.Title)
	assert.Equal(t, float64(2), cfg.Run.RateHz)
	assert.Equal(t, 50*time.Millisecond, cfg.Run.AveragingTime)
	assert.True(t, cfg.Run.PerChannelTimes)
	assert.Equal(t, 10, cfg.Run.Cycles)
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, ChannelConfig{Board: 0, Channel: 1, Gain: 2, Sensor: "VernierSSTemp", Unit: "C", Label: "water"}, cfg.Channels[0])
	assert.True(t, cfg.Channels[1].Disabled)
	assert.Equal(t, 30, cfg.Acquisition.BurstSize)
	assert.Equal(t, 5*time.Second, cfg.Acquisition.DrainTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Acquisition.DrainPoll) // default
	assert.True(t, cfg.Boards.Simulated)
	assert.Equal(t, "/dev/ttyACM0", cfg.Boards.Streamer.Port)
	assert.Equal(t, 460800, cfg.Boards.Streamer.BaudRate) // default
	assert.Equal(t, "json", cfg.Log.Encoding)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
run:
  rate_hz: 5
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, float64(5), cfg.Run.RateHz)
	assert.Equal(t, "run", cfg.Run.Title)               // default
	assert.Equal(t, 60, cfg.Acquisition.BurstSize)      // default
	assert.Equal(t, "console", cfg.Log.Encoding)        // default
	assert.Equal(t, 200*time.Millisecond, cfg.Run.Period())
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Run.Title = "titration"
	cfg.Acquisition.BurstSize = 15

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "titration", loaded.Run.Title)
	assert.Equal(t, 15, loaded.Acquisition.BurstSize)
	assert.Equal(t, cfg.Acquisition.StopGrace, loaded.Acquisition.StopGrace)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LABDAQ_RUN__RATE_HZ", "4")
	t.Setenv("LABDAQ_RUN__TITLE", "from env")
	t.Setenv("LABDAQ_ACQUISITION__STOP_GRACE", "250ms")
	t.Setenv("LABDAQ_BOARDS__SIMULATED", "true")
	t.Setenv("LABDAQ_LOG__LEVEL", "warn")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(DefaultEnvPrefix))

	assert.Equal(t, float64(4), cfg.Run.RateHz)
	assert.Equal(t, "from env", cfg.Run.Title)
	assert.Equal(t, 250*time.Millisecond, cfg.Acquisition.StopGrace)
	assert.True(t, cfg.Boards.Simulated)
	assert.Equal(t, "warn", cfg.Log.Level)

	// Untouched settings keep their values.
	assert.Equal(t, 60, cfg.Acquisition.BurstSize)
	assert.Len(t, cfg.Channels, 1)
}

func TestApplyEnv_NoVariables(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv("LABDAQ_TEST_UNUSED_PREFIX_"))
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero rate", func(c *Config) { c.Run.RateHz = 0 }},
		{"rate above limit", func(c *Config) { c.Run.RateHz = 21 }},
		{"negative averaging", func(c *Config) { c.Run.AveragingTime = -time.Second }},
		{"negative cycles", func(c *Config) { c.Run.Cycles = -1 }},
		{"zero burst", func(c *Config) { c.Acquisition.BurstSize = 0 }},
		{"negative channel", func(c *Config) { c.Channels[0].Channel = -1 }},
		{"negative gain", func(c *Config) { c.Channels[0].Gain = -2 }},
		{"all disabled", func(c *Config) { c.Channels[0].Disabled = true }},
		{"duplicate label", func(c *Config) {
			c.Channels = append(c.Channels, ChannelConfig{Channel: 1, Sensor: "RawAtoD", Label: "ch0"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
