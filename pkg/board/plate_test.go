package board

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itohio/labdaq/pkg/config"
)

// plateFirmware plays the plates at the far end of a PlateLink. ACK stays high
// until a plate has a reply queued.
type plateFirmware struct {
	mu      sync.Mutex
	counts  map[int]func(ch int) uint16 // Plates by address
	frame   bool
	reply   []byte
	corrupt bool
	frames  int
	closed  bool
}

var _ PlateLink = (*plateFirmware)(nil)

func newPlateFirmware() *plateFirmware {
	return &plateFirmware{counts: make(map[int]func(int) uint16)}
}

func (f *plateFirmware) SetFrame(high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if high && !f.frame {
		f.frames++
	}
	if !high {
		f.reply = nil
	}
	f.frame = high
	return nil
}

func (f *plateFirmware) Ack() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reply) == 0, nil
}

func (f *plateFirmware) Transfer(tx []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.frame {
		return nil, errors.New("transfer outside a frame")
	}
	if len(tx) == 4 {
		f.command(tx)
		return make([]byte, 4), nil
	}
	if len(f.reply) == 0 {
		return []byte{0}, nil
	}
	b := f.reply[0]
	f.reply = f.reply[1:]
	return []byte{b}, nil
}

func (f *plateFirmware) command(tx []byte) {
	addr := int(tx[0]) - daqc2BaseAddr
	counts, ok := f.counts[addr]
	if !ok {
		return
	}
	var data []byte
	switch tx[1] {
	case plateCmdAddr:
		data = []byte{byte(addr + daqc2AddrTag)}
	case plateCmdADC:
		c := counts(int(tx[2]))
		data = []byte{byte(c >> 8), byte(c)}
	default:
		return
	}
	var sum byte
	for _, b := range data {
		sum += b
	}
	if f.corrupt {
		sum++
	}
	f.reply = append(data, ^sum)
}

func (f *plateFirmware) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// dacCounts returns the counts a plate reports for an input voltage.
func dacCounts(ch int, volts float64) uint16 {
	if ch == DAQC2VddChannel {
		return uint16(volts / (5.0 * 2.4) * 65536)
	}
	return uint16((volts + 12.0) / 24.0 * 65536)
}

func plateAt(fw *plateFirmware, addr int, vdd float64) {
	fw.counts[addr] = func(ch int) uint16 {
		if ch == DAQC2VddChannel {
			return dacCounts(ch, vdd)
		}
		return dacCounts(ch, float64(ch)-3)
	}
}

func TestPlateStack_Present(t *testing.T) {
	fw := newPlateFirmware()
	plateAt(fw, 2, 5)
	s := NewPlateStack(fw, 2*time.Millisecond)

	assert.True(t, s.Present(2))
	assert.False(t, s.Present(0), "no plate answers")
	assert.False(t, s.Present(daqc2MaxAddr))
	assert.False(t, fw.frame, "FRAME is released after every command")
}

func TestPlateStack_ADC(t *testing.T) {
	fw := newPlateFirmware()
	plateAt(fw, 0, 5.1)
	s := NewPlateStack(fw, 2*time.Millisecond)

	v, err := s.ADC(0, 5)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 24.0/65536*2)

	v, err = s.ADC(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, v, 24.0/65536*2)

	vdd, err := s.ADC(0, DAQC2VddChannel)
	require.NoError(t, err)
	assert.InDelta(t, 5.1, vdd, 12.0/65536*2)
}

func TestPlateStack_Errors(t *testing.T) {
	fw := newPlateFirmware()
	plateAt(fw, 0, 5)
	s := NewPlateStack(fw, 2*time.Millisecond)

	_, err := s.ADC(1, 0)
	assert.ErrorIs(t, err, ErrPlateProtocol, "missing plate never acknowledges")

	fw.corrupt = true
	_, err = s.ADC(0, 0)
	assert.ErrorIs(t, err, ErrPlateProtocol)
	fw.corrupt = false

	require.NoError(t, s.Close())
	assert.True(t, fw.closed)
	_, err = s.ADC(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestFindDAQC2_OverPlateStack(t *testing.T) {
	fw := newPlateFirmware()
	plateAt(fw, 1, 5.0)
	plateAt(fw, 4, 4.9)

	boards, err := FindDAQC2(NewPlateStack(fw, time.Millisecond), 5*time.Millisecond,
		Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.Len(t, boards, 2)
	assert.Equal(t, 1, boards[0].(*DAQC2).Address())
	assert.Equal(t, 4, boards[1].(*DAQC2).Address())
	assert.InDelta(t, 4.9, boards[1].Vdd(), 0.01)

	st, err := boards[0].OversampleStats(6, 1, 5*time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, st.Avg, 0.001)
	assert.InDelta(t, 5.0, st.Vdd, 0.01)
}

func TestHardwareFinders_DAQC2(t *testing.T) {
	fw := newPlateFirmware()
	plateAt(fw, 0, 5.0)

	var opened config.DAQC2Config
	saved := openPlateStack
	openPlateStack = func(cfg config.DAQC2Config) (*PlateStack, error) {
		opened = cfg
		return NewPlateStack(fw, time.Millisecond), nil
	}
	t.Cleanup(func() { openPlateStack = saved })

	cfg := config.Default().Boards
	cfg.I2CBuses = []string{"/nonexistent/i2c-bus"}
	cfg.Streamer.Port = "/nonexistent/tty"
	cfg.DAQC2.VddAverage = 5 * time.Millisecond

	boards := Load(&cfg, Options{Logger: zaptest.NewLogger(t), RetryInterval: time.Microsecond})
	require.Len(t, boards, 1)
	assert.Equal(t, "DAQC2", boards[0].Name())
	assert.Equal(t, "/dev/spidev0.1", opened.SPIDevice)
	assert.False(t, fw.closed)

	// No plates: the stack is released and the simulators take over.
	empty := newPlateFirmware()
	openPlateStack = func(config.DAQC2Config) (*PlateStack, error) {
		return NewPlateStack(empty, time.Millisecond), nil
	}
	boards = Load(&cfg, Options{Logger: zaptest.NewLogger(t)})
	require.Len(t, boards, 2)
	assert.Equal(t, "JupyterPiDAQ", boards[0].Vendor())
	assert.True(t, empty.closed)

	cfg.DAQC2.Disabled = true
	for _, f := range HardwareFinders(&cfg, Options{}) {
		assert.NotContains(t, f.Name, "DAQC2")
	}
}
