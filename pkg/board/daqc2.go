package board

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/sensor"
)

const (
	// DAQC2VddChannel is wired to the supply rail and read alongside every sample.
	DAQC2VddChannel = 8
	// DefaultDAQC2VddAverage is how long the supply is averaged when a plate is found.
	DefaultDAQC2VddAverage = 5 * time.Second

	daqc2MaxAddr = 8
	// daqc2LoopCost covers a signal read plus the interleaved reference read.
	daqc2LoopCost = 3 * time.Millisecond
)

// PlateBus talks to stacked Pi-Plates DAQC2 boards.
type PlateBus interface {
	// Present reports whether a plate answers at addr.
	Present(addr int) bool
	// ADC returns the voltage of ch on the plate at addr.
	ADC(addr, ch int) (float64, error)
}

// DAQC2 is the Pi-Plates DAQC2 plate: eight +/-12 V inputs and a Vdd monitor on
// channel 8. The gain argument is accepted for compatibility and ignored.
type DAQC2 struct {
	*core

	bus  PlateBus
	addr int
}

var _ Board = (*DAQC2)(nil)

// NewDAQC2 creates the board at addr and measures its supply by oversampling the
// Vdd channel for vddAvg.
func NewDAQC2(bus PlateBus, addr int, vddAvg time.Duration, opts Options) (*DAQC2, error) {
	if vddAvg <= 0 {
		vddAvg = DefaultDAQC2VddAverage
	}
	d := &DAQC2{
		core: newCore("DAQC2", "Pi-Plates",
			[]int{0, 1, 2, 3, 4, 5, 6, 7, DAQC2VddChannel}, []float64{1}, 0,
			[]sensor.Kind{sensor.RawAtoD, sensor.VernierSSTemp, sensor.VernierGasP},
			daqc2LoopCost, opts),
		bus:  bus,
		addr: addr,
	}
	d.core.read = d.read

	r, err := d.Oversample(DAQC2VddChannel, 1, vddAvg)
	if err != nil {
		return nil, fmt.Errorf("DAQC2 at %d: measure Vdd: %w", addr, err)
	}
	if !(r.Avg > 0) {
		return nil, fmt.Errorf("DAQC2 at %d: implausible Vdd %v", addr, r.Avg)
	}
	d.vdd = r.Avg
	return d, nil
}

// Address returns the plate address.
func (d *DAQC2) Address() int {
	return d.addr
}

func (d *DAQC2) Close() error {
	return nil
}

func (d *DAQC2) read(ch int, _ float64) (float64, float64, error) {
	v, err := d.bus.ADC(d.addr, ch)
	if err != nil {
		return 0, 0, err
	}
	ref, err := d.bus.ADC(d.addr, DAQC2VddChannel)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(v) || math.IsNaN(ref) {
		return 0, 0, fmt.Errorf("%w: NaN from plate", ErrBadRead)
	}
	return v, ref, nil
}

// FindDAQC2 returns a board for every plate present on bus. A nil bus has no plates.
func FindDAQC2(bus PlateBus, vddAvg time.Duration, opts Options) ([]Board, error) {
	if bus == nil {
		return nil, nil
	}
	opts = opts.withDefaults()
	var boards []Board
	for addr := 0; addr < daqc2MaxAddr; addr++ {
		if !bus.Present(addr) {
			continue
		}
		d, err := NewDAQC2(bus, addr, vddAvg, opts)
		if err != nil {
			opts.Logger.Warn("skipping DAQC2", zap.Int("addr", addr), zap.Error(err))
			continue
		}
		opts.Logger.Info("found DAQC2", zap.Int("addr", addr), zap.Float64("vdd", d.Vdd()))
		boards = append(boards, d)
	}
	return boards, nil
}
