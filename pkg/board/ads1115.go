package board

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/sensor"
)

const (
	ads1115Vdd       = 3.3
	ads1115FullScale = 4.096 // Volts at gain 1
	ads1115MaxCount  = 32767
	// ads1115LoopCost is the per-read overhead on top of the conversion time.
	ads1115LoopCost = 1700 * time.Microsecond
	// DefaultADS1115Rate gives the best signal to noise per unit time with oversampling.
	DefaultADS1115Rate = 475

	adsRegConversion = 0x00
	adsRegConfig     = 0x01

	adsOSSingle   = 1 << 15
	adsMuxSingle0 = 0b100 // AINx against GND, x added
	adsModeSingle = 1 << 8
	adsCompQueOff = 0b11
)

// ADS1115Addresses are the four addresses selectable with the ADDR pin.
var ADS1115Addresses = []uint16{0x48, 0x49, 0x4A, 0x4B}

// ADS1115Gains are the programmable gain settings, in PGA register order.
var ADS1115Gains = []float64{2.0 / 3.0, 1, 2, 4, 8, 16}

var ads1115Rates = map[int]uint16{8: 0, 16: 1, 32: 2, 64: 3, 128: 4, 250: 5, 475: 6, 860: 7}

// I2C is an I2C bus able to address several devices.
type I2C interface {
	// Tx writes w then reads len(r) bytes from the device at addr.
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// ADS1115 is the 16-bit four channel A-to-D converter with programmable gain.
type ADS1115 struct {
	*core

	bus  I2C
	addr uint16
	rate int
	dr   uint16

	conversion time.Duration
	sleep      func(time.Duration)
}

var _ Board = (*ADS1115)(nil)

// NewADS1115 creates a board for the chip at addr. rate is the data rate in
// samples per second; 0 selects DefaultADS1115Rate.
func NewADS1115(bus I2C, addr uint16, rate int, opts Options) (*ADS1115, error) {
	if rate == 0 {
		rate = DefaultADS1115Rate
	}
	dr, ok := ads1115Rates[rate]
	if !ok {
		return nil, fmt.Errorf("ADS1115: unsupported data rate %d", rate)
	}

	conversion := time.Duration(float64(time.Second)/float64(rate)) + 100*time.Microsecond
	a := &ADS1115{
		core: newCore("ADS1115", "Texas Instruments",
			[]int{0, 1, 2, 3}, ADS1115Gains, ads1115Vdd,
			[]sensor.Kind{sensor.RawAtoD, sensor.BuiltInThermistor, sensor.VernierSSTemp},
			ads1115LoopCost+time.Duration(float64(time.Second)/float64(rate)), opts),
		bus:        bus,
		addr:       addr,
		rate:       rate,
		dr:         dr,
		conversion: conversion,
		sleep:      time.Sleep,
	}
	a.core.read = a.read
	return a, nil
}

// Address returns the I2C address of the chip.
func (a *ADS1115) Address() uint16 {
	return a.addr
}

// Close releases nothing; the bus belongs to whoever opened it.
func (a *ADS1115) Close() error {
	return nil
}

// configWord builds a single-shot conversion request for ch at gain.
func (a *ADS1115) configWord(ch int, gain float64) uint16 {
	pga := uint16(GainIndex(ADS1115Gains, gain))
	return adsOSSingle |
		uint16(adsMuxSingle0+ch)<<12 |
		pga<<9 |
		adsModeSingle |
		a.dr<<5 |
		adsCompQueOff
}

func (a *ADS1115) read(ch int, gain float64) (float64, float64, error) {
	cfg := a.configWord(ch, gain)
	if err := a.bus.Tx(a.addr, []byte{adsRegConfig, byte(cfg >> 8), byte(cfg)}, nil); err != nil {
		return 0, 0, fmt.Errorf("start conversion: %w", err)
	}
	a.sleep(a.conversion)

	buf := make([]byte, 2)
	if err := a.bus.Tx(a.addr, []byte{adsRegConversion}, buf); err != nil {
		return 0, 0, fmt.Errorf("read conversion: %w", err)
	}
	raw := int16(binary.BigEndian.Uint16(buf))
	if raw == math.MinInt16 {
		return 0, 0, fmt.Errorf("%w: raw count %d", ErrBadRead, raw)
	}
	return float64(raw) * ads1115FullScale / gain / ads1115MaxCount, a.vdd, nil
}

// FindADS1115 queries every selectable address on bus and returns a board for each
// chip that answers.
func FindADS1115(bus I2C, rate int, opts Options) ([]Board, error) {
	opts = opts.withDefaults()
	var boards []Board
	buf := make([]byte, 2)
	for _, addr := range ADS1115Addresses {
		if err := bus.Tx(addr, []byte{adsRegConfig}, buf); err != nil {
			opts.Logger.Debug("no ADS1115", zap.Uint16("addr", addr), zap.Error(err))
			continue
		}
		a, err := NewADS1115(bus, addr, rate, opts)
		if err != nil {
			return boards, err
		}
		opts.Logger.Info("found ADS1115", zap.Uint16("addr", addr))
		boards = append(boards, a)
	}
	return boards, nil
}
