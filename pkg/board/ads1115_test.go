package board

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeI2C emulates ADS1115 chips at the given addresses.
type fakeI2C struct {
	mu      sync.Mutex
	present map[uint16]bool
	config  map[uint16]uint16
	counts  func(addr uint16, cfg uint16) int16
	closed  bool
}

func newFakeI2C(counts func(addr uint16, cfg uint16) int16, addrs ...uint16) *fakeI2C {
	b := &fakeI2C{present: map[uint16]bool{}, config: map[uint16]uint16{}, counts: counts}
	for _, a := range addrs {
		b.present[a] = true
	}
	return b
}

func (b *fakeI2C) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.present[addr] {
		return errors.New("nack")
	}
	switch {
	case len(w) == 3 && w[0] == adsRegConfig:
		b.config[addr] = binary.BigEndian.Uint16(w[1:])
	case len(w) == 1 && w[0] == adsRegConfig && len(r) == 2:
		binary.BigEndian.PutUint16(r, b.config[addr])
	case len(w) == 1 && w[0] == adsRegConversion && len(r) == 2:
		binary.BigEndian.PutUint16(r, uint16(b.counts(addr, b.config[addr])))
	}
	return nil
}

func (b *fakeI2C) Close() error {
	b.closed = true
	return nil
}

func newTestADS1115(t *testing.T, bus I2C) *ADS1115 {
	a, err := NewADS1115(bus, 0x48, 0, Options{Logger: zaptest.NewLogger(t), RetryInterval: time.Microsecond})
	require.NoError(t, err)
	a.sleep = func(time.Duration) {}
	return a
}

func TestADS1115_ConfigWord(t *testing.T) {
	a := newTestADS1115(t, newFakeI2C(nil, 0x48))

	// AIN2 vs GND, gain 4 (+/-1.024 V), single shot, 475 SPS, comparator off.
	cfg := a.configWord(2, 4)
	assert.Equal(t, uint16(0b1_110_011_1_110_0_0_0_11), cfg)

	assert.Equal(t, uint16(0), (a.configWord(0, 2.0/3.0)>>9)&0b111)
	assert.Equal(t, uint16(5), (a.configWord(0, 16)>>9)&0b111)
}

func TestADS1115_Volts(t *testing.T) {
	bus := newFakeI2C(func(uint16, uint16) int16 { return 16384 }, 0x48)
	a := newTestADS1115(t, bus)

	r, err := a.Sample(0, 1)
	require.NoError(t, err)
	assert.InDelta(t, 16384*4.096/32767, r.V, 1e-12)
	assert.Equal(t, 3.3, r.Vdd)

	r, err = a.Sample(3, 2)
	require.NoError(t, err)
	assert.InDelta(t, 16384*4.096/2/32767, r.V, 1e-12)
}

func TestADS1115_BadRead(t *testing.T) {
	n := 0
	bus := newFakeI2C(func(uint16, uint16) int16 {
		n++
		if n%3 == 0 {
			return -32768
		}
		return 1000
	}, 0x48)
	a := newTestADS1115(t, bus)

	_, err := a.Sample(0, 1)
	require.NoError(t, err)
	_, err = a.Sample(0, 1)
	require.NoError(t, err)
	_, err = a.Sample(0, 1)
	assert.ErrorIs(t, err, ErrBadRead)

	s, err := a.OversampleStats(0, 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, s.Discarded, 0)
	assert.InDelta(t, 1000*4.096/32767, s.Avg, 1e-12)
}

func TestADS1115_BusFailureIsNotABadRead(t *testing.T) {
	bus := newFakeI2C(func(uint16, uint16) int16 { return 1 }, 0x48)
	a := newTestADS1115(t, bus)
	bus.present[0x48] = false

	_, err := a.OversampleStats(0, 1, 10*time.Millisecond)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRead)
	assert.NotErrorIs(t, err, ErrNoValidSamples)
}

func TestADS1115_UnsupportedRate(t *testing.T) {
	_, err := NewADS1115(newFakeI2C(nil), 0x48, 100, Options{})
	assert.Error(t, err)
}

func TestFindADS1115(t *testing.T) {
	bus := newFakeI2C(func(uint16, uint16) int16 { return 0 }, 0x49, 0x4B)
	boards, err := FindADS1115(bus, 860, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.Len(t, boards, 2)
	assert.Equal(t, uint16(0x49), boards[0].(*ADS1115).Address())
	assert.Equal(t, uint16(0x4B), boards[1].(*ADS1115).Address())

	boards, err = FindADS1115(newFakeI2C(nil), 0, Options{})
	require.NoError(t, err)
	assert.Empty(t, boards)
}
