package board

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/itohio/labdaq/pkg/sensor"
)

const (
	simVendor = "JupyterPiDAQ"
	simVdd    = 3.3
	simRate   = 475
	// simLoopCost matches the ADS1115 so simulated runs take realistic sample counts.
	simLoopCost = ads1115LoopCost + time.Second/simRate

	simLineInterceptSeconds = 1800.0
	simLineSlopeSeconds     = 692000.0
)

var simChannels = []int{0, 1, 2, 3}

func newSimSource(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// SimRandom produces normally distributed 16-bit counts around a centre that is
// drawn again for every oversampling pass.
type SimRandom struct {
	*core

	rng    *rand.Rand
	center float64
}

var _ Board = (*SimRandom)(nil)

// NewSimRandom creates the random simulator. A zero seed seeds from the clock.
func NewSimRandom(seed uint64, opts Options) *SimRandom {
	s := &SimRandom{
		core: newCore("ADCsym Random", simVendor, simChannels, []float64{1}, simVdd,
			[]sensor.Kind{sensor.RawAtoD, sensor.VernierSSTemp, sensor.VernierGasP},
			simLoopCost, opts),
		rng: newSimSource(seed),
	}
	s.core.read = s.read
	s.core.beginPass = s.newCenter
	s.core.round = true
	_ = s.newCenter(0)
	return s
}

func (s *SimRandom) Close() error {
	return nil
}

// newCenter keeps the centre away from zero so the spread never collapses.
func (s *SimRandom) newCenter(int) error {
	s.center = 0.05 + 0.95*s.rng.Float64()
	return nil
}

func (s *SimRandom) read(_ int, gain float64) (float64, float64, error) {
	n := distuv.Normal{Mu: s.center, Sigma: s.center / 10, Src: s.rng}
	raw := math.Round(n.Rand() * ads1115MaxCount)
	if raw < -ads1115MaxCount || raw > ads1115MaxCount {
		return 0, 0, fmt.Errorf("%w: raw count %v", ErrBadRead, raw)
	}
	return raw * ads1115FullScale / gain / ads1115MaxCount, s.vdd, nil
}

// SimLine is a noisy straight line whose intercept and slope grow with the time
// elapsed since the top of the hour, so a run drifts slowly and visibly.
type SimLine struct {
	*core

	rng *rand.Rand
}

var _ Board = (*SimLine)(nil)

// NewSimLine creates the line simulator. A zero seed seeds from the clock.
func NewSimLine(seed uint64, opts Options) *SimLine {
	s := &SimLine{
		core: newCore("ADCsym Line", simVendor, simChannels, []float64{1}, simVdd,
			[]sensor.Kind{sensor.RawAtoD, sensor.VernierSSTemp},
			simLoopCost, opts),
		rng: newSimSource(seed),
	}
	s.core.read = s.read
	s.core.round = true
	return s
}

func (s *SimLine) Close() error {
	return nil
}

func (s *SimLine) read(int, float64) (float64, float64, error) {
	now := s.opts.Now()
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	dt := now.Sub(hour).Seconds()

	intercept := dt / simLineInterceptSeconds
	slope := dt / simLineSlopeSeconds
	return intercept + slope*dt + (s.rng.Float64()-0.5)*slope, s.vdd, nil
}

// FindSimulators returns one board of each simulator type.
func FindSimulators(seed uint64, opts Options) ([]Board, error) {
	return []Board{NewSimRandom(seed, opts), NewSimLine(seed, opts)}, nil
}
