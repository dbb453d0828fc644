// Package series accumulates the converted measurements of a run.
package series

import (
	"errors"
	"fmt"
	"sync"
)

// ErrShape is returned when a row does not have one entry per channel.
var ErrShape = errors.New("row does not match channel count")

// Point is one converted measurement of one channel.
type Point struct {
	Time     float64 // Seconds since the run started
	Value    float64
	Stdev    float64
	AvgStdev float64
}

// Row is one acquisition cycle after unit conversion. Every slice has one entry
// per channel.
type Row struct {
	Seq       int
	Times     []float64
	Values    []float64
	Stdevs    []float64
	AvgStdevs []float64
}

func (r Row) valid(n int) bool {
	return len(r.Times) == n && len(r.Values) == n && len(r.Stdevs) == n && len(r.AvgStdevs) == n
}

// UpdateFunc receives a copy of every channel series.
type UpdateFunc func(series [][]Point)

// Buffer is the run buffer. It is owned by one run and safe for concurrent readers.
//
// Rows are kept in arrival order for the whole run; nothing is evicted.
type Buffer struct {
	mu     sync.RWMutex
	labels []string
	rows   []Row
	series [][]Point
	dirty  bool

	cbMu      sync.RWMutex
	callbacks []UpdateFunc

	// Set by Close; no callbacks are delivered afterwards.
	closed bool
}

// New creates an empty buffer for channels with the given column labels.
func New(labels []string) *Buffer {
	l := make([]string, len(labels))
	copy(l, labels)
	return &Buffer{
		labels: l,
		series: make([][]Point, len(labels)),
	}
}

// Reset empties the buffer and replaces the column labels. Registered
// callbacks are kept.
func (b *Buffer) Reset(labels []string) {
	l := make([]string, len(labels))
	copy(l, labels)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.labels = l
	b.rows = nil
	b.series = make([][]Point, len(l))
	b.dirty = false
}

// Labels returns the channel labels in column order.
func (b *Buffer) Labels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.labels))
	copy(out, b.labels)
	return out
}

// Channels returns the number of channels.
func (b *Buffer) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.labels)
}

// Append adds one row.
func (b *Buffer) Append(r Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.labels)
	if !r.valid(n) {
		return fmt.Errorf("%w: got %d values for %d channels", ErrShape, len(r.Values), n)
	}
	b.rows = append(b.rows, r)
	for i := 0; i < n; i++ {
		b.series[i] = append(b.series[i], Point{
			Time:     r.Times[i],
			Value:    r.Values[i],
			Stdev:    r.Stdevs[i],
			AvgStdev: r.AvgStdevs[i],
		})
	}
	b.dirty = true
	return nil
}

// Len returns the number of rows.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

// Rows returns a copy of every row in arrival order.
func (b *Buffer) Rows() []Row {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Row, len(b.rows))
	copy(out, b.rows)
	return out
}

// Series returns a copy of channel ch.
func (b *Buffer) Series(ch int) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ch < 0 || ch >= len(b.series) {
		return nil
	}
	out := make([]Point, len(b.series[ch]))
	copy(out, b.series[ch])
	return out
}

// OnUpdate registers a callback run by Notify. Callbacks should copy what they
// need and return quickly.
func (b *Buffer) OnUpdate(cb UpdateFunc) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Notify calls every callback if rows were appended since the last call.
// It reports whether callbacks ran.
func (b *Buffer) Notify() bool {
	b.mu.Lock()
	if !b.dirty || b.closed {
		b.mu.Unlock()
		return false
	}
	b.dirty = false
	snapshot := make([][]Point, len(b.series))
	for i, s := range b.series {
		snapshot[i] = make([]Point, len(s))
		copy(snapshot[i], s)
	}
	b.mu.Unlock()

	b.cbMu.RLock()
	callbacks := make([]UpdateFunc, len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(snapshot)
		}
	}
	return true
}

// Close delivers a final update and stops further callbacks. Rows stay readable.
func (b *Buffer) Close() {
	b.Notify()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
