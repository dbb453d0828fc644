// Package sensor converts averaged ADC voltages into physical units.
//
// Every sensor is bound to the supply voltage (Vdd) of the board it is wired to.
// Each unit a sensor offers is a conversion of the triple
// (average, standard deviation, standard deviation of the average) plus the
// reference voltage measured alongside the signal.
package sensor

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownKind is returned by New for a sensor kind that is not registered.
	ErrUnknownKind = errors.New("unknown sensor kind")
	// ErrUnknownUnit is returned by Convert for a unit the sensor does not offer.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrInvalidVdd is returned by New when the supply voltage is not a positive number.
	ErrInvalidVdd = errors.New("supply voltage must be positive")
)

// Stats is an averaged measurement with its uncertainties.
type Stats struct {
	Avg      float64 // Average value
	Stdev    float64 // Standard deviation of the individual readings
	AvgStdev float64 // Estimated standard deviation of Avg
}

// Sensor maps raw voltages to physical units.
type Sensor interface {
	Name() string
	Vendor() string
	// Units returns the available units. The first one is the native unit (volts).
	Units() []string
	// Gains returns the gains this sensor may be used with. Nil means any board gain.
	Gains() []float64
	// Convert expresses v in the given unit. avgVdd is the reference voltage measured
	// together with v.
	Convert(unit string, v Stats, avgVdd float64) (Stats, error)
}

// Kind identifies a sensor type.
type Kind string

const (
	RawAtoD           Kind = "RawAtoD"
	BuiltInThermistor Kind = "BuiltInThermistor"
	VernierSSTemp     Kind = "VernierSSTemp"
	VernierGasP       Kind = "VernierGasP"
)

var constructors = map[Kind]func(vdd float64) Sensor{
	RawAtoD:           func(vdd float64) Sensor { return NewRawAtoD(vdd) },
	BuiltInThermistor: func(vdd float64) Sensor { return NewBuiltInThermistor(vdd) },
	VernierSSTemp:     func(vdd float64) Sensor { return NewVernierSSTemp(vdd) },
	VernierGasP:       func(vdd float64) Sensor { return NewVernierGasP(vdd) },
}

// Kinds lists every registered sensor kind. RawAtoD is always first.
func Kinds() []Kind {
	return []Kind{RawAtoD, BuiltInThermistor, VernierSSTemp, VernierGasP}
}

// New creates a sensor of the given kind bound to the board supply voltage vdd.
func New(kind Kind, vdd float64) (Sensor, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !(vdd > 0) || math.IsInf(vdd, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVdd, vdd)
	}
	return ctor(vdd), nil
}

// conversion converts an averaged voltage into one unit.
type conversion func(v Stats, avgVdd float64) Stats

type unit struct {
	name string
	conv conversion
}

// base holds what every sensor shares. Concrete sensors embed it and append units.
type base struct {
	name   string
	vendor string
	vdd    float64
	gains  []float64
	units  []unit
}

func (b *base) Name() string { return b.name }
func (b *base) Vendor() string { return b.vendor }

func (b *base) Units() []string {
	names := make([]string, len(b.units))
	for i, u := range b.units {
		names[i] = u.name
	}
	return names
}

func (b *base) Gains() []float64 {
	if b.gains == nil {
		return nil
	}
	out := make([]float64, len(b.gains))
	copy(out, b.gains)
	return out
}

func (b *base) Convert(name string, v Stats, avgVdd float64) (Stats, error) {
	for _, u := range b.units {
		if u.name == name {
			return u.conv(v, avgVdd), nil
		}
	}
	return Stats{}, fmt.Errorf("%w %q for %s", ErrUnknownUnit, name, b.name)
}

func (b *base) addUnit(name string, conv conversion) {
	b.units = append(b.units, unit{name: name, conv: conv})
}

// scale multiplies all three values by k, which is exact for linear maps.
func scale(v Stats, k float64) Stats {
	return Stats{Avg: v.Avg * k, Stdev: v.Stdev * k, AvgStdev: v.AvgStdev * k}
}

// halfSpan estimates the spread of f around x by evaluating it at x-dx and x+dx.
// It assumes f is locally symmetric over the interval.
func halfSpan(f func(float64) float64, x, dx float64) float64 {
	return math.Abs(f(x+dx)-f(x-dx)) / 2
}
