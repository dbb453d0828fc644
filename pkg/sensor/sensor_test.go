package sensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			s, err := New(kind, 3.3)
			require.NoError(t, err)
			require.NotEmpty(t, s.Units())
			assert.Equal(t, "V", s.Units()[0], "native unit must come first")
			assert.Equal(t, "mV", s.Units()[1])
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New("NoSuchSensor", 3.3)
	assert.ErrorIs(t, err, ErrUnknownKind)

	for _, vdd := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := New(RawAtoD, vdd)
		assert.ErrorIs(t, err, ErrInvalidVdd, "vdd=%v", vdd)
	}
}

func TestKinds_RawFirst(t *testing.T) {
	kinds := Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, RawAtoD, kinds[0])
	assert.Equal(t, kinds, Kinds())
}

func TestConvert_UnknownUnit(t *testing.T) {
	s := NewRawAtoD(3.3)
	_, err := s.Convert("furlong", Stats{Avg: 1}, 3.3)
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestRawAtoD(t *testing.T) {
	s := NewRawAtoD(3.3)
	in := Stats{Avg: 1.5, Stdev: 0.01, AvgStdev: 0.001}

	v, err := s.Convert("V", in, 3.3)
	require.NoError(t, err)
	assert.Equal(t, in, v)

	mv, err := s.Convert("mV", in, 3.3)
	require.NoError(t, err)
	assert.InDelta(t, 1500, mv.Avg, 1e-9)
	assert.InDelta(t, 10, mv.Stdev, 1e-9)
	assert.InDelta(t, 1, mv.AvgStdev, 1e-9)
	assert.Nil(t, s.Gains())
}

func TestVernierGasP(t *testing.T) {
	s := NewVernierGasP(5.0)
	in := Stats{Avg: 2.0, Stdev: 0.01, AvgStdev: 0.002}

	tests := []struct {
		unit     string
		wantAvg  float64
		wantStd  float64
		wantAStd float64
	}{
		{"Pa", 51710*2 - 25860, 517.1, 103.42},
		{"kPa", 51.710*2 - 25.860, 0.5171, 0.10342},
		{"Bar", 0.51710*2 - 0.25860, 0.005171, 0.0010342},
		{"Torr", (51710*2 - 25860) * 760.0 / 101325, 517.1 * 760.0 / 101325, 103.42 * 760.0 / 101325},
		{"mmHg", (51710*2 - 25860) * 760.0 / 101325, 517.1 * 760.0 / 101325, 103.42 * 760.0 / 101325},
		{"atm", (51710*2 - 25860) / 101325.0, 517.1 / 101325, 103.42 / 101325},
	}

	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			got, err := s.Convert(tt.unit, in, 5.0)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantAvg, got.Avg, 1e-9)
			assert.InDelta(t, tt.wantStd, got.Stdev, 1e-9)
			assert.InDelta(t, tt.wantAStd, got.AvgStdev, 1e-9)
		})
	}
}

func TestThermistor_ReferenceCorrection(t *testing.T) {
	for _, s := range []*Thermistor{NewVernierSSTemp(3.3), NewBuiltInThermistor(3.3)} {
		t.Run(s.Name(), func(t *testing.T) {
			got, err := s.Convert("K", Stats{Avg: 0.5, Stdev: 0.01, AvgStdev: 0.001}, 3.2)
			require.NoError(t, err)

			corrected := 0.5 * 3.3 / 3.2
			assert.InDelta(t, s.vToK(corrected), got.Avg, 1e-9)

			dv := 0.01 * 3.3 / 3.2
			wantStd := math.Abs(s.vToK(corrected+dv)-s.vToK(corrected-dv)) / 2
			assert.InDelta(t, wantStd, got.Stdev, 1e-9)
			assert.Greater(t, got.Stdev, got.AvgStdev)
		})
	}
}

func TestThermistor_NoCorrectionWithoutReference(t *testing.T) {
	s := NewVernierSSTemp(3.3)
	got, err := s.Convert("K", Stats{Avg: 1.0, Stdev: 0.01, AvgStdev: 0.001}, 0)
	require.NoError(t, err)
	assert.InDelta(t, s.vToK(1.0), got.Avg, 1e-9)
}

func TestThermistor_RoomTemperature(t *testing.T) {
	// Half the supply across the thermistor means R equals the 15k bias resistor.
	s := NewVernierSSTemp(3.3)
	got, err := s.Convert("C", Stats{Avg: 1.65, Stdev: 0.001, AvgStdev: 0.0001}, 3.3)
	require.NoError(t, err)
	assert.InDelta(t, 31.8, got.Avg, 1.0)
	assert.Greater(t, got.Stdev, 0.0)
}

func TestThermistor_Clamp(t *testing.T) {
	s := NewVernierSSTemp(3.3)

	hot := s.vToK(-5)
	assert.False(t, math.IsNaN(hot))
	assert.False(t, math.IsInf(hot, 0))
	assert.Greater(t, hot, 1000.0, "low voltage on the SS sensor means it is very hot")

	cold := s.vToK(100)
	assert.False(t, math.IsNaN(cold))
	assert.False(t, math.IsInf(cold, 0))
	assert.Greater(t, cold, 0.0)
	assert.Less(t, cold, hot)

	b := NewBuiltInThermistor(3.3)
	for _, v := range []float64{-5, 0, 1.65, 3.3, math.NaN()} {
		k := b.vToK(v)
		assert.False(t, math.IsNaN(k), "v=%v", v)
		assert.False(t, math.IsInf(k, 0), "v=%v", v)
		assert.Greater(t, k, 0.0, "v=%v", v)
	}
}

func TestThermistor_TemperatureUnits(t *testing.T) {
	s := NewBuiltInThermistor(3.3)
	in := Stats{Avg: 1.1, Stdev: 0.01, AvgStdev: 0.001}

	k, err := s.Convert("K", in, 3.3)
	require.NoError(t, err)
	c, err := s.Convert("C", in, 3.3)
	require.NoError(t, err)
	f, err := s.Convert("F", in, 3.3)
	require.NoError(t, err)

	assert.InDelta(t, k.Avg-273.15, c.Avg, 1e-9)
	assert.InDelta(t, k.Stdev, c.Stdev, 1e-12)
	assert.InDelta(t, c.Avg*9/5+32, f.Avg, 1e-9)
	assert.InDelta(t, k.Stdev*9/5, f.Stdev, 1e-12)
	assert.InDelta(t, k.AvgStdev*9/5, f.AvgStdev, 1e-12)
	assert.Equal(t, []float64{1}, s.Gains())
}
