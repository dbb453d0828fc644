//go:build linux

package board

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

type i2cDev struct {
	mu   sync.Mutex
	f    *os.File
	addr uint16
	set  bool
}

// OpenI2C opens an I2C character device such as /dev/i2c-1. Transactions on
// the returned bus are serialized.
func OpenI2C(path string) (I2C, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoBus, path, err)
	}
	return &i2cDev{f: f}, nil
}

func (d *i2cDev) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return ErrClosed
	}
	if !d.set || d.addr != addr {
		if err := unix.IoctlSetInt(int(d.f.Fd()), i2cSlave, int(addr)); err != nil {
			return fmt.Errorf("select device 0x%02x: %w", addr, err)
		}
		d.addr, d.set = addr, true
	}
	if len(w) > 0 {
		if _, err := d.f.Write(w); err != nil {
			return fmt.Errorf("write to 0x%02x: %w", addr, err)
		}
	}
	if len(r) > 0 {
		if _, err := io.ReadFull(d.f, r); err != nil {
			return fmt.Errorf("read from 0x%02x: %w", addr, err)
		}
	}
	return nil
}

func (d *i2cDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
