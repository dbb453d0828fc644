//go:build !linux

package board

import "fmt"

// OpenI2C is only implemented on Linux.
func OpenI2C(path string) (I2C, error) {
	return nil, fmt.Errorf("%w: %s: i2c-dev requires linux", ErrNoBus, path)
}
