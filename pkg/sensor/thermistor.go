package sensor

import "math"

const (
	kelvinOffset = 273.15

	// minThermistorOhms keeps the Steinhart-Hart denominator positive. Below it the
	// three-coefficient model breaks down and would report negative temperatures.
	minThermistorOhms = 0.1
)

// steinhartHart converts an NTC thermistor resistance to kelvin.
func steinhartHart(r, a, b, c float64) float64 {
	l := math.Log(r)
	return 1 / (a + b*l + c*l*l*l)
}

// Thermistor is an NTC thermistor in a voltage divider powered from the board Vdd.
type Thermistor struct {
	base

	a, b, c    float64
	vmin, vmax float64
	resistance func(volts float64) float64
}

var _ Sensor = (*Thermistor)(nil)

// NewBuiltInThermistor returns the thermistor mounted on the ADS1115 hat. It sits
// in a divider with 10k to Vdd and is read across a 20k offset, so only the lower
// half of the supply range is meaningful.
func NewBuiltInThermistor(vdd float64) *Thermistor {
	t := &Thermistor{
		base: base{name: "Built-in Thermistor", vendor: "KNARCO", vdd: vdd, gains: []float64{1}},
		a:    0.0009667974157916105,
		b:    0.00024132572130718138,
		c:    2.077144181533216e-07,
		vmin: vdd * 1e-12,
		vmax: vdd/2 - 1.589e-6,
	}
	t.resistance = func(v float64) float64 { return t.vdd*1.0e4/v - 2.0e4 }
	t.addRawUnits()
	t.addTemperatureUnits()
	return t
}

// NewVernierSSTemp returns the Vernier stainless steel sensor, a 20k thermistor with
// a 15k bias resistor.
func NewVernierSSTemp(vdd float64) *Thermistor {
	t := &Thermistor{
		base: base{name: "Vernier SS Temperature Sensor", vendor: "Vernier", vdd: vdd},
		a:    0.00102119,
		b:    0.000222468,
		c:    1.33342e-07,
		vmin: vdd * 1e-6,
		vmax: vdd - 1e-10,
	}
	t.resistance = func(v float64) float64 { return v * 1.5e4 / (t.vdd - v) }
	t.addRawUnits()
	t.addTemperatureUnits()
	return t
}

func (t *Thermistor) addTemperatureUnits() {
	t.addUnit("K", t.kelvin)
	t.addUnit("C", func(v Stats, avgVdd float64) Stats {
		k := t.kelvin(v, avgVdd)
		k.Avg -= kelvinOffset
		return k
	})
	t.addUnit("F", func(v Stats, avgVdd float64) Stats {
		k := t.kelvin(v, avgVdd)
		return Stats{
			Avg:      (k.Avg-kelvinOffset)*9.0/5.0 + 32.0,
			Stdev:    k.Stdev * 9.0 / 5.0,
			AvgStdev: k.AvgStdev * 9.0 / 5.0,
		}
	})
}

// kelvin corrects v for supply drift, then propagates both uncertainties through
// the nonlinear model by interval evaluation.
func (t *Thermistor) kelvin(v Stats, avgVdd float64) Stats {
	v = t.correct(v, avgVdd)
	return Stats{
		Avg:      t.vToK(v.Avg),
		Stdev:    halfSpan(t.vToK, v.Avg, v.Stdev),
		AvgStdev: halfSpan(t.vToK, v.Avg, v.AvgStdev),
	}
}

// correct rescales v by nominal/measured supply voltage. A missing or nonsensical
// measurement leaves v untouched.
func (t *Thermistor) correct(v Stats, avgVdd float64) Stats {
	if !(avgVdd > 0) || math.IsInf(avgVdd, 0) {
		return v
	}
	return scale(v, t.vdd/avgVdd)
}

// vToK converts a divider voltage to kelvin. The voltage is clamped inside the open
// interval where the divider equation is defined, so out-of-range input yields a
// finite extreme temperature instead of a domain error.
func (t *Thermistor) vToK(volts float64) float64 {
	if math.IsNaN(volts) || volts <= t.vmin {
		volts = t.vmin
	}
	if volts >= t.vmax {
		volts = t.vmax
	}
	r := math.Max(t.resistance(volts), minThermistorOhms)
	return steinhartHart(r, t.a, t.b, t.c)
}
