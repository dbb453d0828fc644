//go:build !linux

package board

import (
	"fmt"

	"github.com/itohio/labdaq/pkg/config"
)

// OpenPlateStack is only implemented on Linux.
func OpenPlateStack(cfg config.DAQC2Config) (*PlateStack, error) {
	return nil, fmt.Errorf("%w: %s: spidev requires linux", ErrNoBus, cfg.SPIDevice)
}
