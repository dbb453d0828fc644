package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the prefix of environment variables read by ApplyEnv.
const DefaultEnvPrefix = "LABDAQ_"

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration.
type Config struct {
	Run         RunConfig         `yaml:"run"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Boards      BoardsConfig      `yaml:"boards"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Export      ExportConfig      `yaml:"export"`
}

// RunConfig describes one acquisition run.
type RunConfig struct {
	Title           string        `yaml:"title"`
	RateHz          float64       `yaml:"rate_hz"`          // Cycles per second
	AveragingTime   time.Duration `yaml:"averaging_time"`   // Per channel; 0 derives it from the rate
	PerChannelTimes bool          `yaml:"per_channel_times"` // Keep the skew between sequentially sampled channels
	Cycles          int           `yaml:"cycles"`           // Stop after this many cycles (0 = until stopped)
	Duration        time.Duration `yaml:"duration"`         // Stop after this long (0 = until stopped)
}

// ChannelConfig binds one board input to a sensor.
type ChannelConfig struct {
	Board    int     `yaml:"board"` // Index into the discovered boards
	Channel  int     `yaml:"channel"`
	Gain     float64 `yaml:"gain"` // 0 picks the first valid gain
	Sensor   string  `yaml:"sensor"`
	Unit     string  `yaml:"unit"` // Empty picks the native unit
	Label    string  `yaml:"label"`
	Disabled bool    `yaml:"disabled"`
}

// AcquisitionConfig tunes the producer/consumer loop.
type AcquisitionConfig struct {
	BurstSize      int           `yaml:"burst_size"`      // Packages sent per request
	ChannelDelay   time.Duration `yaml:"channel_delay"`   // Pause between channels within a cycle
	PacingOverhead time.Duration `yaml:"pacing_overhead"` // Subtracted from every inter-cycle sleep
	MaxPassRetries uint64        `yaml:"max_pass_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"` // First backoff interval between empty passes
	MaxRateHz      float64       `yaml:"max_rate_hz"`
	StopGrace      time.Duration `yaml:"stop_grace"`    // Wait after a stop before the final send
	DrainPoll      time.Duration `yaml:"drain_poll"`    // Poll interval while waiting for done
	DrainTimeout   time.Duration `yaml:"drain_timeout"` // Give up on a silent producer after this long
}

// BoardsConfig controls board discovery.
type BoardsConfig struct {
	Simulated   bool           `yaml:"simulated"` // Skip hardware discovery
	I2CBuses    []string       `yaml:"i2c_buses"`
	ADS1115Rate int            `yaml:"ads1115_rate"` // Samples per second
	DAQC2       DAQC2Config    `yaml:"daqc2"`
	Streamer    StreamerConfig `yaml:"streamer"`
	SimSeed     uint64         `yaml:"sim_seed"` // 0 seeds from the clock
}

// DAQC2Config describes the Pi-Plates DAQC2 stack on the SPI header.
type DAQC2Config struct {
	Disabled   bool          `yaml:"disabled"`
	SPIDevice  string        `yaml:"spi_device"`
	GPIOChip   string        `yaml:"gpio_chip"` // Carries the FRAME and ACK lines
	FramePin   int           `yaml:"frame_pin"`
	AckPin     int           `yaml:"ack_pin"`
	SpeedHz    uint32        `yaml:"speed_hz"`
	VddAverage time.Duration `yaml:"vdd_average"` // Supply averaging when a plate is found
}

// StreamerConfig describes the serial streaming A-to-D device.
type StreamerConfig struct {
	Port           string        `yaml:"port"` // Empty searches USB ports by VID/PID
	BaudRate       int           `yaml:"baud_rate"`
	VID            string        `yaml:"vid"`
	PID            string        `yaml:"pid"`
	SamplePeriod   time.Duration `yaml:"sample_period"`
	RingSize       int           `yaml:"ring_size"` // Frames kept by the collector
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // console or json
	File     string `yaml:"file"`     // Optional extra output
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen    string `yaml:"listen"` // Empty disables the endpoint
	Namespace string `yaml:"namespace"`
}

// ExportConfig controls where finished runs are written.
type ExportConfig struct {
	Dir     string `yaml:"dir"`
	Disable bool   `yaml:"disable"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Title:  "run",
			RateHz: 1,
		},
		Channels: []ChannelConfig{
			{Board: 0, Channel: 0, Sensor: "RawAtoD", Label: "ch0"},
		},
		Acquisition: AcquisitionConfig{
			BurstSize:      60,
			ChannelDelay:   time.Millisecond,
			PacingOverhead: 2 * time.Millisecond,
			MaxPassRetries: 10,
			RetryInterval:  10 * time.Millisecond,
			MaxRateHz:      20,
			StopGrace:      500 * time.Millisecond,
			DrainPoll:      200 * time.Millisecond,
			DrainTimeout:   30 * time.Second,
		},
		Boards: BoardsConfig{
			I2CBuses:    []string{"/dev/i2c-1"},
			ADS1115Rate: 475,
			DAQC2: DAQC2Config{
				SPIDevice:  "/dev/spidev0.1",
				GPIOChip:   "/dev/gpiochip0",
				FramePin:   25,
				AckPin:     23,
				SpeedHz:    500000,
				VddAverage: 5 * time.Second,
			},
			Streamer: StreamerConfig{
				BaudRate:       460800,
				VID:            "2886", // Seeed XIAO SAMD21
				PID:            "802F",
				SamplePeriod:   2 * time.Millisecond, // Firmware frame interval
				RingSize:       20000,
				RequestTimeout: time.Second,
			},
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Metrics: MetricsConfig{
			Namespace: "labdaq",
		},
		Export: ExportConfig{
			Dir: ".",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overlays environment variables starting with prefix onto c.
// A double underscore separates nesting levels, so LABDAQ_RUN__RATE_HZ=2
// sets Run.RateHz.
func (c *Config) ApplyEnv(prefix string) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(prefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, prefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}

	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	c.ensureDefaults()
	return nil
}

// Validate reports the first setting that cannot produce a working run.
func (c *Config) Validate() error {
	switch {
	case !(c.Run.RateHz > 0):
		return fmt.Errorf("%w: run.rate_hz must be positive, got %v", ErrInvalid, c.Run.RateHz)
	case c.Run.RateHz > c.Acquisition.MaxRateHz:
		return fmt.Errorf("%w: run.rate_hz %v exceeds the %v Hz limit", ErrInvalid, c.Run.RateHz, c.Acquisition.MaxRateHz)
	case c.Run.AveragingTime < 0:
		return fmt.Errorf("%w: run.averaging_time must not be negative", ErrInvalid)
	case c.Run.Cycles < 0:
		return fmt.Errorf("%w: run.cycles must not be negative", ErrInvalid)
	case c.Acquisition.BurstSize <= 0:
		return fmt.Errorf("%w: acquisition.burst_size must be positive", ErrInvalid)
	}

	active := 0
	labels := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Board < 0 || ch.Channel < 0 {
			return fmt.Errorf("%w: channels[%d]: negative board or channel", ErrInvalid, i)
		}
		if ch.Gain < 0 {
			return fmt.Errorf("%w: channels[%d]: negative gain", ErrInvalid, i)
		}
		if ch.Disabled {
			continue
		}
		active++
		if ch.Label != "" && labels[ch.Label] {
			return fmt.Errorf("%w: channels[%d]: duplicate label %q", ErrInvalid, i, ch.Label)
		}
		labels[ch.Label] = true
	}
	if active == 0 {
		return fmt.Errorf("%w: no active channels", ErrInvalid)
	}

	return nil
}

// Period returns the target time between acquisition cycles.
func (r RunConfig) Period() time.Duration {
	return time.Duration(float64(time.Second) / r.RateHz)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Run.Title == "" {
		c.Run.Title = def.Run.Title
	}
	if c.Run.RateHz == 0 {
		c.Run.RateHz = def.Run.RateHz
	}

	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}

	if c.Acquisition.BurstSize == 0 {
		c.Acquisition.BurstSize = def.Acquisition.BurstSize
	}
	if c.Acquisition.ChannelDelay == 0 {
		c.Acquisition.ChannelDelay = def.Acquisition.ChannelDelay
	}
	if c.Acquisition.PacingOverhead == 0 {
		c.Acquisition.PacingOverhead = def.Acquisition.PacingOverhead
	}
	if c.Acquisition.MaxPassRetries == 0 {
		c.Acquisition.MaxPassRetries = def.Acquisition.MaxPassRetries
	}
	if c.Acquisition.RetryInterval == 0 {
		c.Acquisition.RetryInterval = def.Acquisition.RetryInterval
	}
	if c.Acquisition.MaxRateHz == 0 {
		c.Acquisition.MaxRateHz = def.Acquisition.MaxRateHz
	}
	if c.Acquisition.StopGrace == 0 {
		c.Acquisition.StopGrace = def.Acquisition.StopGrace
	}
	if c.Acquisition.DrainPoll == 0 {
		c.Acquisition.DrainPoll = def.Acquisition.DrainPoll
	}
	if c.Acquisition.DrainTimeout == 0 {
		c.Acquisition.DrainTimeout = def.Acquisition.DrainTimeout
	}

	if len(c.Boards.I2CBuses) == 0 {
		c.Boards.I2CBuses = def.Boards.I2CBuses
	}
	if c.Boards.ADS1115Rate == 0 {
		c.Boards.ADS1115Rate = def.Boards.ADS1115Rate
	}
	if c.Boards.DAQC2.SPIDevice == "" {
		c.Boards.DAQC2.SPIDevice = def.Boards.DAQC2.SPIDevice
	}
	if c.Boards.DAQC2.GPIOChip == "" {
		c.Boards.DAQC2.GPIOChip = def.Boards.DAQC2.GPIOChip
	}
	if c.Boards.DAQC2.FramePin == 0 {
		c.Boards.DAQC2.FramePin = def.Boards.DAQC2.FramePin
	}
	if c.Boards.DAQC2.AckPin == 0 {
		c.Boards.DAQC2.AckPin = def.Boards.DAQC2.AckPin
	}
	if c.Boards.DAQC2.SpeedHz == 0 {
		c.Boards.DAQC2.SpeedHz = def.Boards.DAQC2.SpeedHz
	}
	if c.Boards.DAQC2.VddAverage == 0 {
		c.Boards.DAQC2.VddAverage = def.Boards.DAQC2.VddAverage
	}
	if c.Boards.Streamer.BaudRate == 0 {
		c.Boards.Streamer.BaudRate = def.Boards.Streamer.BaudRate
	}
	if c.Boards.Streamer.VID == "" {
		c.Boards.Streamer.VID = def.Boards.Streamer.VID
	}
	if c.Boards.Streamer.PID == "" {
		c.Boards.Streamer.PID = def.Boards.Streamer.PID
	}
	if c.Boards.Streamer.SamplePeriod == 0 {
		c.Boards.Streamer.SamplePeriod = def.Boards.Streamer.SamplePeriod
	}
	if c.Boards.Streamer.RingSize == 0 {
		c.Boards.Streamer.RingSize = def.Boards.Streamer.RingSize
	}
	if c.Boards.Streamer.RequestTimeout == 0 {
		c.Boards.Streamer.RequestTimeout = def.Boards.Streamer.RequestTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = def.Log.Encoding
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}

	if c.Export.Dir == "" {
		c.Export.Dir = def.Export.Dir
	}
}
