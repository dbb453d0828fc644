package board

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/config"
)

// Finder discovers the boards of one driver.
type Finder struct {
	Name string
	Find func() ([]Board, error)
}

// Registry discovers boards from an ordered list of hardware finders and falls
// back to simulators when no hardware answers.
type Registry struct {
	hardware   []Finder
	simulators []Finder
	logger     *zap.Logger
}

// NewRegistry creates a registry. Finders run in the order given.
func NewRegistry(hardware, simulators []Finder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{hardware: hardware, simulators: simulators, logger: logger}
}

// Load returns every hardware board found, or the simulators if there are none.
// A failing finder is logged and skipped.
func (r *Registry) Load() []Board {
	boards := r.run(r.hardware)
	if len(boards) > 0 {
		return boards
	}
	r.logger.Info("no hardware boards found, using simulated boards")
	return r.run(r.simulators)
}

func (r *Registry) run(finders []Finder) []Board {
	var boards []Board
	for _, f := range finders {
		found, err := r.find(f)
		if err != nil {
			r.logger.Warn("board discovery failed", zap.String("driver", f.Name), zap.Error(err))
		}
		boards = append(boards, found...)
	}
	return boards
}

func (r *Registry) find(f Finder) (boards []Board, err error) {
	defer func() {
		if p := recover(); p != nil {
			boards, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return f.Find()
}

// openPlateStack is swapped out in tests.
var openPlateStack = OpenPlateStack

// HardwareFinders returns the finders for every hardware driver described by cfg.
func HardwareFinders(cfg *config.BoardsConfig, opts Options) []Finder {
	finders := make([]Finder, 0, len(cfg.I2CBuses)+2)
	for _, path := range cfg.I2CBuses {
		finders = append(finders, Finder{
			Name: "ADS1115 " + path,
			Find: func() ([]Board, error) {
				bus, err := OpenI2C(path)
				if err != nil {
					return nil, err
				}
				boards, err := FindADS1115(bus, cfg.ADS1115Rate, opts)
				if len(boards) == 0 {
					bus.Close()
				}
				return boards, err
			},
		})
	}
	if !cfg.DAQC2.Disabled {
		finders = append(finders, Finder{
			Name: "DAQC2 " + cfg.DAQC2.SPIDevice,
			Find: func() ([]Board, error) {
				stack, err := openPlateStack(cfg.DAQC2)
				if err != nil {
					return nil, err
				}
				boards, err := FindDAQC2(stack, cfg.DAQC2.VddAverage, opts)
				if len(boards) == 0 {
					stack.Close()
				}
				return boards, err
			},
		})
	}
	finders = append(finders, Finder{
		Name: "Streamer",
		Find: func() ([]Board, error) { return FindStreamers(cfg.Streamer, opts) },
	})
	return finders
}

// SimulatorFinders returns the simulated board finders.
func SimulatorFinders(cfg *config.BoardsConfig, opts Options) []Finder {
	return []Finder{{
		Name: "Simulated",
		Find: func() ([]Board, error) { return FindSimulators(cfg.SimSeed, opts) },
	}}
}

// Load discovers boards as configured. With cfg.Simulated set, hardware is not touched.
func Load(cfg *config.BoardsConfig, opts Options) []Board {
	opts = opts.withDefaults()
	var hw []Finder
	if !cfg.Simulated {
		hw = HardwareFinders(cfg, opts)
	}
	return NewRegistry(hw, SimulatorFinders(cfg, opts), opts.Logger).Load()
}
