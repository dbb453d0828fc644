// Package channel holds the user-editable binding of a board input to a sensor and
// a display unit, and reports which selections remain valid after every change.
package channel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/itohio/labdaq/pkg/board"
	"github.com/itohio/labdaq/pkg/config"
	"github.com/itohio/labdaq/pkg/sensor"
)

var (
	ErrNoBoards       = errors.New("no boards available")
	ErrInvalidBoard   = errors.New("invalid board")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidGain    = errors.New("invalid gain")
	ErrInvalidSensor  = errors.New("invalid sensor")
	ErrInvalidUnit    = errors.New("invalid unit")
	// ErrFrozen is returned by every mutation while a run is using the setting.
	ErrFrozen = errors.New("channel setting is frozen")
)

// Choices are the selections currently valid for a setting. A widget layer
// repopulates its controls from them after each change.
type Choices struct {
	Boards   []string
	Channels []int
	Gains    []float64
	Sensors  []sensor.Kind
	Units    []string
}

// Setting binds one board input to a sensor, a gain and a unit.
//
// Every Select method keeps the setting consistent: a change that invalidates a
// dependent choice resets it to the first valid one.
type Setting struct {
	boards []board.Board

	boardIdx int
	channel  int
	gain     float64
	kind     sensor.Kind
	sensor   sensor.Sensor
	unit     string
	label    string
	active   bool

	// Cleared by the run goroutine while the owner may be reading it.
	frozen atomic.Bool
}

// New creates an inactive setting on the first channel of the first board.
func New(boards []board.Board, label string) (*Setting, error) {
	if len(boards) == 0 {
		return nil, ErrNoBoards
	}
	s := &Setting{boards: boards, label: label}
	if err := s.bindBoard(0); err != nil {
		return nil, err
	}
	return s, nil
}

// FromConfig builds an active setting from a configured channel. Zero gain and an
// empty unit pick the first valid value.
func FromConfig(boards []board.Board, cfg config.ChannelConfig) (*Setting, error) {
	s, err := New(boards, cfg.Label)
	if err != nil {
		return nil, err
	}
	if err := s.SelectBoard(cfg.Board); err != nil {
		return nil, err
	}
	if err := s.SelectChannel(cfg.Channel); err != nil {
		return nil, err
	}
	if cfg.Sensor != "" {
		if err := s.SelectSensor(sensor.Kind(cfg.Sensor)); err != nil {
			return nil, err
		}
	}
	if cfg.Gain != 0 {
		if err := s.SelectGain(cfg.Gain); err != nil {
			return nil, err
		}
	}
	if cfg.Unit != "" {
		if err := s.SelectUnit(cfg.Unit); err != nil {
			return nil, err
		}
	}
	if s.label == "" {
		s.label = fmt.Sprintf("%s_ch%d", s.Board().Name(), s.channel)
	}
	if !cfg.Disabled {
		s.active = true
	}
	return s, nil
}

// bindBoard switches to board i, keeping the sensor if the new board offers it.
func (s *Setting) bindBoard(i int) error {
	b := s.boards[i]
	kinds := b.Sensors()
	if len(kinds) == 0 {
		return fmt.Errorf("%w: %s offers no sensors", ErrInvalidBoard, b.Name())
	}
	chs := b.Channels()
	if len(chs) == 0 {
		return fmt.Errorf("%w: %s has no channels", ErrInvalidBoard, b.Name())
	}

	kind := kinds[0]
	for _, k := range kinds {
		if k == s.kind {
			kind = k
			break
		}
	}

	s.boardIdx = i
	s.channel = chs[0]
	s.sensor = nil
	return s.bindSensor(kind)
}

// bindSensor creates the sensor for the current board and revalidates gain and unit.
func (s *Setting) bindSensor(kind sensor.Kind) error {
	sn, err := sensor.New(kind, s.Board().Vdd())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSensor, err)
	}
	prevUnit := s.unit

	s.kind = kind
	s.sensor = sn
	gains := s.gains()
	if len(gains) == 0 {
		return fmt.Errorf("%w: %s shares no gain with %s", ErrInvalidSensor, kind, s.Board().Name())
	}
	if board.GainIndex(gains, s.gain) < 0 {
		s.gain = gains[0]
	}

	s.unit = sn.Units()[0]
	for _, u := range sn.Units() {
		if u == prevUnit {
			s.unit = u
			break
		}
	}
	return nil
}

// gains returns the board gains the sensor accepts.
func (s *Setting) gains() []float64 {
	bg := s.Board().Gains()
	sg := s.sensor.Gains()
	if sg == nil {
		return bg
	}
	out := make([]float64, 0, len(bg))
	for _, g := range bg {
		if board.GainIndex(sg, g) >= 0 {
			out = append(out, g)
		}
	}
	return out
}

func (s *Setting) mutable() error {
	if s.frozen.Load() {
		return ErrFrozen
	}
	return nil
}

// SelectBoard binds the setting to board i of the discovered boards.
func (s *Setting) SelectBoard(i int) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if i < 0 || i >= len(s.boards) {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidBoard, i, len(s.boards))
	}
	if i == s.boardIdx && s.sensor != nil {
		return nil
	}
	return s.bindBoard(i)
}

func (s *Setting) SelectChannel(ch int) error {
	if err := s.mutable(); err != nil {
		return err
	}
	for _, c := range s.Board().Channels() {
		if c == ch {
			s.channel = ch
			return nil
		}
	}
	return fmt.Errorf("%w: %d on %s", ErrInvalidChannel, ch, s.Board().Name())
}

func (s *Setting) SelectGain(g float64) error {
	if err := s.mutable(); err != nil {
		return err
	}
	gains := s.gains()
	i := board.GainIndex(gains, g)
	if i < 0 {
		return fmt.Errorf("%w: %v for %s on %s", ErrInvalidGain, g, s.kind, s.Board().Name())
	}
	s.gain = gains[i]
	return nil
}

func (s *Setting) SelectSensor(kind sensor.Kind) error {
	if err := s.mutable(); err != nil {
		return err
	}
	for _, k := range s.Board().Sensors() {
		if k == kind {
			return s.bindSensor(kind)
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrInvalidSensor, kind, s.Board().Name())
}

func (s *Setting) SelectUnit(unit string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	for _, u := range s.sensor.Units() {
		if u == unit {
			s.unit = u
			return nil
		}
	}
	return fmt.Errorf("%w: %q for %s", ErrInvalidUnit, unit, s.kind)
}

func (s *Setting) SetLabel(label string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.label = label
	return nil
}

func (s *Setting) Activate() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.active = true
	return nil
}

func (s *Setting) Deactivate() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.active = false
	return nil
}

// Freeze locks the setting for the duration of a run. Safe for concurrent use
// with Frozen and the Select methods.
func (s *Setting) Freeze() { s.frozen.Store(true) }
func (s *Setting) Unfreeze() { s.frozen.Store(false) }

func (s *Setting) Board() board.Board { return s.boards[s.boardIdx] }
func (s *Setting) BoardIndex() int { return s.boardIdx }
func (s *Setting) Channel() int { return s.channel }
func (s *Setting) Gain() float64 { return s.gain }
func (s *Setting) Kind() sensor.Kind { return s.kind }
func (s *Setting) Sensor() sensor.Sensor { return s.sensor }
func (s *Setting) Unit() string { return s.unit }
func (s *Setting) Label() string { return s.label }
func (s *Setting) Active() bool { return s.active }
func (s *Setting) Frozen() bool { return s.frozen.Load() }

// Heading is the column title of the channel, label and unit.
func (s *Setting) Heading() string {
	return fmt.Sprintf("%s(%s)", s.label, s.unit)
}

// Choices returns what the current board and sensor allow.
func (s *Setting) Choices() Choices {
	names := make([]string, len(s.boards))
	for i, b := range s.boards {
		names[i] = b.Name()
	}
	return Choices{
		Boards:   names,
		Channels: s.Board().Channels(),
		Gains:    s.gains(),
		Sensors:  s.Board().Sensors(),
		Units:    s.sensor.Units(),
	}
}

// Convert expresses a voltage reading in the selected unit, rounded to the
// precision its uncertainty supports.
func (s *Setting) Convert(v sensor.Stats, avgVdd float64) (sensor.Stats, error) {
	out, err := s.sensor.Convert(s.unit, v, avgVdd)
	if err != nil {
		return sensor.Stats{}, err
	}
	return sensor.RoundStats(out), nil
}

// Load builds one setting per configured channel, disabled ones included, and
// rejects duplicate labels among the active ones.
func Load(boards []board.Board, cfgs []config.ChannelConfig) ([]*Setting, error) {
	out := make([]*Setting, 0, len(cfgs))
	seen := make(map[string]bool)
	for i, c := range cfgs {
		s, err := FromConfig(boards, c)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		if s.Active() {
			if seen[s.Label()] {
				return nil, fmt.Errorf("channel %d: duplicate label %q", i, s.Label())
			}
			seen[s.Label()] = true
		}
		out = append(out, s)
	}
	return out, nil
}
