//go:build linux

package board

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/itohio/labdaq/pkg/config"
)

// ioctls from linux/spi/spidev.h and linux/gpio.h (v1 line handles).
const (
	spiIOCMessage1 = 0x40206b00 // SPI_IOC_MESSAGE(1)
	spiIOCWrMode   = 0x40016b01
	spiIOCWrBits   = 0x40016b03
	spiIOCWrSpeed  = 0x40046b04

	gpioGetLineHandle   = 0xc16cb403
	gpioHandleGetValues = 0xc040b408
	gpioHandleSetValues = 0xc040b409

	gpioRequestInput  = 1 << 0
	gpioRequestOutput = 1 << 1
)

type spiTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

type gpioHandleRequest struct {
	lineOffsets   [64]uint32
	flags         uint32
	defaultValues [64]uint8
	consumerLabel [32]byte
	lines         uint32
	fd            int32
}

type gpioHandleData struct {
	values [64]uint8
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// spiPlateLink drives the plates through spidev and two GPIO line handles.
type spiPlateLink struct {
	mu    sync.Mutex
	spi   *os.File
	frame *os.File
	ack   *os.File
	speed uint32
}

// OpenPlateStack opens the SPI device and GPIO lines described by cfg.
func OpenPlateStack(cfg config.DAQC2Config) (*PlateStack, error) {
	link, err := openSPIPlateLink(cfg)
	if err != nil {
		return nil, err
	}
	return NewPlateStack(link, 0), nil
}

func openSPIPlateLink(cfg config.DAQC2Config) (*spiPlateLink, error) {
	spi, err := os.OpenFile(cfg.SPIDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoBus, cfg.SPIDevice, err)
	}
	l := &spiPlateLink{spi: spi, speed: cfg.SpeedHz}

	mode, bits := uint8(0), uint8(8)
	if err := ioctl(spi.Fd(), spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		l.Close()
		return nil, fmt.Errorf("%s: set SPI mode: %w", cfg.SPIDevice, err)
	}
	if err := ioctl(spi.Fd(), spiIOCWrBits, unsafe.Pointer(&bits)); err != nil {
		l.Close()
		return nil, fmt.Errorf("%s: set word size: %w", cfg.SPIDevice, err)
	}
	if err := ioctl(spi.Fd(), spiIOCWrSpeed, unsafe.Pointer(&l.speed)); err != nil {
		l.Close()
		return nil, fmt.Errorf("%s: set speed: %w", cfg.SPIDevice, err)
	}

	chip, err := os.OpenFile(cfg.GPIOChip, os.O_RDWR, 0)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNoBus, cfg.GPIOChip, err)
	}
	defer chip.Close()

	if l.frame, err = requestLine(chip, cfg.FramePin, gpioRequestOutput); err != nil {
		l.Close()
		return nil, fmt.Errorf("FRAME line %d: %w", cfg.FramePin, err)
	}
	if l.ack, err = requestLine(chip, cfg.AckPin, gpioRequestInput); err != nil {
		l.Close()
		return nil, fmt.Errorf("ACK line %d: %w", cfg.AckPin, err)
	}
	return l, nil
}

func requestLine(chip *os.File, offset int, flags uint32) (*os.File, error) {
	req := gpioHandleRequest{flags: flags, lines: 1}
	req.lineOffsets[0] = uint32(offset)
	copy(req.consumerLabel[:], "labdaq")
	if err := ioctl(chip.Fd(), gpioGetLineHandle, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(req.fd), fmt.Sprintf("gpio-line-%d", offset)), nil
}

func (l *spiPlateLink) SetFrame(high bool) error {
	var d gpioHandleData
	if high {
		d.values[0] = 1
	}
	return ioctl(l.frame.Fd(), gpioHandleSetValues, unsafe.Pointer(&d))
}

func (l *spiPlateLink) Ack() (bool, error) {
	var d gpioHandleData
	if err := ioctl(l.ack.Fd(), gpioHandleGetValues, unsafe.Pointer(&d)); err != nil {
		return false, err
	}
	return d.values[0] != 0, nil
}

func (l *spiPlateLink) Transfer(tx []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spi == nil {
		return nil, ErrClosed
	}
	rx := make([]byte, len(tx))
	if len(tx) == 0 {
		return rx, nil
	}
	xfer := spiTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     l.speed,
		delayUsecs:  5,
		bitsPerWord: 8,
	}
	err := ioctl(l.spi.Fd(), spiIOCMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return nil, fmt.Errorf("SPI transfer: %w", err)
	}
	return rx, nil
}

func (l *spiPlateLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var first error
	for _, f := range []*os.File{l.frame, l.ack, l.spi} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.spi, l.frame, l.ack = nil, nil, nil
	return first
}
