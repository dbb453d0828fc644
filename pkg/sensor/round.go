package sensor

import "math"

// maxDecimals bounds rounding to what a float64 can still represent.
const maxDecimals = 15

// Decimals returns the number of decimal places justified by uncertainty u:
// -floor(log10(u)). A zero uncertainty gives 6, a non-finite or negative one gives 0.
func Decimals(u float64) int {
	switch {
	case u == 0:
		return 6
	case math.IsNaN(u) || math.IsInf(u, 0) || u < 0:
		return 0
	}
	e := int(math.Floor(math.Log10(u)))
	// Log10 may be off by one ulp at exact powers of ten.
	if math.Pow10(e+1) <= u {
		e++
	} else if math.Pow10(e) > u {
		e--
	}
	return -e
}

// RoundToUncertainty rounds value to the decimal place implied by uncertainty.
func RoundToUncertainty(value, uncertainty float64) float64 {
	return roundTo(value, Decimals(uncertainty))
}

// RoundStats rounds all three values to the decimals implied by AvgStdev alone.
func RoundStats(v Stats) Stats {
	d := Decimals(v.AvgStdev)
	return Stats{
		Avg:      roundTo(v.Avg, d),
		Stdev:    roundTo(v.Stdev, d),
		AvgStdev: roundTo(v.AvgStdev, d),
	}
}

func roundTo(x float64, decimals int) float64 {
	if decimals > maxDecimals || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	p := math.Pow10(decimals)
	return math.Round(x*p) / p
}
