package series

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(seq int, t float64, values ...float64) Row {
	r := Row{Seq: seq}
	for _, v := range values {
		r.Times = append(r.Times, t)
		r.Values = append(r.Values, v)
		r.Stdevs = append(r.Stdevs, 0.1)
		r.AvgStdevs = append(r.AvgStdevs, 0.01)
	}
	return r
}

func TestBuffer_Append(t *testing.T) {
	b := New([]string{"a(V)", "b(K)"})
	assert.Equal(t, 2, b.Channels())
	assert.Equal(t, []string{"a(V)", "b(K)"}, b.Labels())

	require.NoError(t, b.Append(row(0, 0.5, 1, 300)))
	require.NoError(t, b.Append(row(1, 1.5, 2, 301)))
	assert.ErrorIs(t, b.Append(row(2, 2.5, 3)), ErrShape)

	assert.Equal(t, 2, b.Len())
	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[1].Seq)

	s := b.Series(1)
	require.Len(t, s, 2)
	assert.Equal(t, Point{Time: 1.5, Value: 301, Stdev: 0.1, AvgStdev: 0.01}, s[1])
	assert.Nil(t, b.Series(2))
}

func TestBuffer_NotifyOnlyWhenDirty(t *testing.T) {
	b := New([]string{"a"})
	var got [][]Point
	calls := 0
	b.OnUpdate(func(series [][]Point) {
		calls++
		got = series
	})

	assert.False(t, b.Notify())
	require.NoError(t, b.Append(row(0, 0, 1)))
	require.NoError(t, b.Append(row(1, 1, 2)))
	assert.True(t, b.Notify())
	assert.False(t, b.Notify())

	assert.Equal(t, 1, calls)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)

	// The callback owns its copy.
	got[0][0].Value = 99
	assert.Equal(t, 1.0, b.Series(0)[0].Value)
}

func TestBuffer_NoCallbacksAfterClose(t *testing.T) {
	b := New([]string{"a"})
	calls := 0
	b.OnUpdate(func([][]Point) { calls++ })

	require.NoError(t, b.Append(row(0, 0, 1)))
	b.Close()
	assert.Equal(t, 1, calls, "close flushes pending points")

	require.NoError(t, b.Append(row(1, 1, 2)))
	assert.False(t, b.Notify())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_ConcurrentReaders(t *testing.T) {
	b := New([]string{"a", "b"})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = b.Append(row(i, float64(i), 1, 2))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = b.Series(0)
			_ = b.Len()
		}
	}()
	wg.Wait()
	assert.Equal(t, 500, b.Len())
}

func TestBuffer_Reset(t *testing.T) {
	b := New([]string{"a(V)"})
	calls := 0
	b.OnUpdate(func([][]Point) { calls++ })
	require.NoError(t, b.Append(row(0, 0, 1)))

	b.Reset([]string{"a(mV)", "b(K)"})
	assert.Equal(t, []string{"a(mV)", "b(K)"}, b.Labels())
	assert.Equal(t, 2, b.Channels())
	assert.Zero(t, b.Len())
	assert.False(t, b.Notify(), "nothing pending after a reset")

	assert.ErrorIs(t, b.Append(row(0, 0, 1)), ErrShape)
	require.NoError(t, b.Append(row(0, 0, 1, 2)))
	assert.True(t, b.Notify())
	assert.Equal(t, 1, calls)
}
