package series

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func points(n int) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = Point{Time: float64(i), Value: float64(i) * 0.01}
	}
	return out
}

func TestDownsample_NoDownsampling(t *testing.T) {
	src := points(3)

	result := Downsample(nil, src, 10)
	require.Len(t, result, 3)
	assert.Equal(t, src, result)

	dst := make([]Point, 0, 10)
	result = Downsample(dst, src, 10)
	require.Len(t, result, 3)
	assert.Equal(t, cap(dst), cap(result))
}

func TestDownsample_WithDownsampling(t *testing.T) {
	src := points(100)

	dst := make([]Point, 0, 20)
	result := Downsample(dst, src, 10)
	require.Len(t, result, 10)
	assert.Equal(t, cap(dst), cap(result))

	assert.Equal(t, src[0], result[0])
	assert.GreaterOrEqual(t, result[len(result)-1].Value, 0.8)
	for i := 1; i < len(result); i++ {
		assert.Greater(t, result[i].Time, result[i-1].Time)
	}
}

func TestDownsample_Degenerate(t *testing.T) {
	assert.Empty(t, Downsample(nil, points(5), 0))
	assert.Empty(t, Downsample(nil, nil, 10))
}
