package sensor

// Raw is the plain A-to-D voltage. All other sensors start from its units.
type Raw struct {
	base
}

var _ Sensor = (*Raw)(nil)

// NewRawAtoD returns the volts-at-A-to-D sensor.
func NewRawAtoD(vdd float64) *Raw {
	r := &Raw{base: base{name: "Volts at A-to-D", vendor: "--", vdd: vdd}}
	r.addRawUnits()
	return r
}

func (b *base) addRawUnits() {
	b.addUnit("V", func(v Stats, _ float64) Stats { return v })
	b.addUnit("mV", func(v Stats, _ float64) Stats { return scale(v, 1000) })
}
