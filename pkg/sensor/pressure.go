package sensor

const (
	pascalPerAtm  = 101325.0
	torrPerAtm    = 760.0
	gasPSlope     = 51710.0 // Pa/V
	gasPIntercept = -25860.0
)

// Pressure is a linear voltage to pressure transducer.
type Pressure struct {
	base
}

var _ Sensor = (*Pressure)(nil)

// NewVernierGasP returns the Vernier absolute gas pressure sensor (GPS-BTA).
func NewVernierGasP(vdd float64) *Pressure {
	p := &Pressure{base: base{name: "Vernier Absolute Gas Pressure Sensor", vendor: "Vernier", vdd: vdd}}
	p.addRawUnits()
	p.addUnit("Pa", func(v Stats, _ float64) Stats { return pascal(v) })
	p.addUnit("kPa", func(v Stats, _ float64) Stats { return scale(pascal(v), 1e-3) })
	p.addUnit("Bar", func(v Stats, _ float64) Stats { return scale(pascal(v), 1e-5) })
	p.addUnit("Torr", func(v Stats, _ float64) Stats { return scale(pascal(v), torrPerAtm/pascalPerAtm) })
	p.addUnit("mmHg", func(v Stats, _ float64) Stats { return scale(pascal(v), torrPerAtm/pascalPerAtm) })
	p.addUnit("atm", func(v Stats, _ float64) Stats { return scale(pascal(v), 1/pascalPerAtm) })
	return p
}

func pascal(v Stats) Stats {
	p := scale(v, gasPSlope)
	p.Avg += gasPIntercept
	return p
}
