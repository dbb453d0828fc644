// Package board normalizes A-to-D hardware and simulators behind one sampling contract.
package board

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/sensor"
)

var (
	// ErrBadRead marks a single out-of-range or overflowed sample. It is discarded
	// inside an oversampling pass and never aborts it.
	ErrBadRead = errors.New("bad A-to-D read")
	// ErrNoValidSamples is returned when every pass of an oversampled read came back empty.
	ErrNoValidSamples = errors.New("no valid samples")
	// ErrNoBus is returned when a hardware bus cannot be opened.
	ErrNoBus = errors.New("bus not available")
	// ErrClosed is returned by boards used after Close.
	ErrClosed = errors.New("board closed")
	// ErrInvalidChannel is returned for a channel the board does not have.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidGain is returned for a gain the board does not support.
	ErrInvalidGain = errors.New("invalid gain")
)

// Board is one physical or simulated A-to-D device.
//
// Accessors return the values fixed at construction. Sampling methods return
// ErrBadRead only from Sample; oversampling swallows bad reads. Any other error
// means the board itself failed.
type Board interface {
	Name() string
	Vendor() string
	Channels() []int
	Gains() []float64
	Vdd() float64
	// Sensors lists the sensor kinds that make sense on this board, in menu order.
	Sensors() []sensor.Kind

	Sample(ch int, gain float64) (Reading, error)
	Oversample(ch int, gain float64, d time.Duration) (Range, error)
	OversampleStats(ch int, gain float64, d time.Duration) (Stats, error)

	Close() error
}

// Reading is a single instantaneous sample.
type Reading struct {
	V    float64
	Time time.Time // Midpoint of the read
	Vdd  float64   // Reference voltage read with it
}

// Range summarizes an oversampled read by its extremes.
type Range struct {
	Avg  float64
	Min  float64
	Max  float64
	Time time.Time // Midpoint of the pass
	Vdd  float64
}

// Stats summarizes an oversampled read statistically.
type Stats struct {
	Avg       float64
	Stdev     float64 // Sample standard deviation (Bessel corrected)
	AvgStdev  float64 // Stdev / sqrt(N)
	Time      time.Time
	Vdd       float64
	N         int // Samples that went into Avg
	Discarded int // Bad reads dropped across all passes
}

// Options are shared by every board constructor.
type Options struct {
	Logger *zap.Logger
	// MaxPassRetries bounds how many times an empty oversampling pass is repeated.
	MaxPassRetries uint64
	// RetryInterval is the first backoff interval between empty passes.
	RetryInterval time.Duration
	// Now is the clock used for timestamps.
	Now func() time.Time
}

const (
	DefaultMaxPassRetries = 10
	DefaultRetryInterval  = 10 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxPassRetries == 0 {
		o.MaxPassRetries = DefaultMaxPassRetries
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// readFunc performs one hardware read and returns the signal and the reference
// voltage seen with it.
type readFunc func(ch int, gain float64) (v, ref float64, err error)

// core carries the static description of a board and implements the sampling
// contract on top of a single-read primitive.
type core struct {
	name     string
	vendor   string
	channels []int
	gains    []float64
	vdd      float64
	sensors  []sensor.Kind

	// perSample is the expected cost of one read, loop overhead included.
	perSample time.Duration

	read readFunc
	// beginPass, when set, runs before every oversampling pass.
	beginPass func(ch int) error
	// round applies significant-figure rounding to statistics, mimicking an instrument.
	round bool

	opts   Options
	logger *zap.Logger
}

func newCore(name, vendor string, channels []int, gains []float64, vdd float64, sensors []sensor.Kind, perSample time.Duration, opts Options) *core {
	opts = opts.withDefaults()
	if len(gains) == 0 {
		gains = []float64{1}
	}
	return &core{
		name:      name,
		vendor:    vendor,
		channels:  channels,
		gains:     gains,
		vdd:       vdd,
		sensors:   sensors,
		perSample: perSample,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("board", name)),
	}
}

func (c *core) Name() string { return c.name }
func (c *core) Vendor() string { return c.vendor }
func (c *core) Vdd() float64 { return c.vdd }

func (c *core) Channels() []int {
	return append([]int(nil), c.channels...)
}

func (c *core) Gains() []float64 {
	return append([]float64(nil), c.gains...)
}

func (c *core) Sensors() []sensor.Kind {
	return append([]sensor.Kind(nil), c.sensors...)
}

func (c *core) check(ch int, gain float64) error {
	found := false
	for _, v := range c.channels {
		if v == ch {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s: %w %d", c.name, ErrInvalidChannel, ch)
	}
	if GainIndex(c.gains, gain) < 0 {
		return fmt.Errorf("%s: %w %v", c.name, ErrInvalidGain, gain)
	}
	return nil
}

// GainIndex returns the position of gain in gains, or -1. Gains compare with a
// small tolerance so 2/3 survives a round trip through text.
func GainIndex(gains []float64, gain float64) int {
	for i, g := range gains {
		if math.Abs(g-gain) <= 1e-9*math.Max(1, math.Abs(g)) {
			return i
		}
	}
	return -1
}

// Sample takes one instantaneous read.
func (c *core) Sample(ch int, gain float64) (Reading, error) {
	if err := c.check(ch, gain); err != nil {
		return Reading{}, err
	}
	start := c.opts.Now()
	v, ref, err := c.read(ch, gain)
	end := c.opts.Now()
	if err != nil {
		return Reading{}, fmt.Errorf("%s channel %d: %w", c.name, ch, err)
	}
	return Reading{V: v, Time: midpoint(start, end), Vdd: ref}, nil
}

func midpoint(start, end time.Time) time.Time {
	return start.Add(end.Sub(start) / 2)
}
