package daq

import "fmt"

// Command is a request from the consumer to the producer.
type Command int

const (
	// CmdSend asks for one burst of queued packages.
	CmdSend Command = iota
	// CmdStop ends collection after the cycle in flight.
	CmdStop
)

func (c Command) String() string {
	switch c {
	case CmdSend:
		return "send"
	case CmdStop:
		return "stop"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// StatusKind classifies a producer status message.
type StatusKind int

const (
	// StatusDone is the last message of a run that drained normally.
	StatusDone StatusKind = iota
	// StatusFailed is the last message of a run aborted by an error. Err is set.
	StatusFailed
	// StatusDraining acknowledges that collection stopped and the queue is being flushed.
	StatusDraining
)

func (k StatusKind) String() string {
	switch k {
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusDraining:
		return "draining"
	}
	return fmt.Sprintf("status(%d)", int(k))
}

// Status is a message from the producer to the consumer.
type Status struct {
	Kind StatusKind
	Err  error
}

// Final reports whether no message follows s.
func (s Status) Final() bool {
	return s.Kind == StatusDone || s.Kind == StatusFailed
}

// Package is one cycle of acquisition. Every slice holds one entry per active
// channel in configuration order.
type Package struct {
	Seq       int       // Cycle number, starting at 0
	Times     []float64 // Seconds since the run started, midpoint of each read
	Values    []float64 // Mean voltage
	Stdevs    []float64
	AvgStdevs []float64
	Vdds      []float64 // Reference voltage read with each value
}

// Len returns the number of channels in the package.
func (p Package) Len() int {
	return len(p.Values)
}

// MeanTime returns the average of Times, the shared timestamp of the package when
// skew between channels is ignored.
func (p Package) MeanTime() float64 {
	if len(p.Times) == 0 {
		return 0
	}
	var sum float64
	for _, t := range p.Times {
		sum += t
	}
	return sum / float64(len(p.Times))
}

func newPackage(seq, n int) Package {
	return Package{
		Seq:       seq,
		Times:     make([]float64, 0, n),
		Values:    make([]float64, 0, n),
		Stdevs:    make([]float64, 0, n),
		AvgStdevs: make([]float64, 0, n),
		Vdds:      make([]float64, 0, n),
	}
}

// Link carries the protocol between one producer and one consumer.
//
// Control is written by the consumer only. Data and Status are written by the
// producer only and are never closed; StatusDone or StatusFailed is the last
// message.
type Link struct {
	Control chan Command
	Data    chan Package
	Status  chan Status
}

const controlBuffer = 16

// NewLink creates a link whose data channel can hold two bursts.
func NewLink(burst int) *Link {
	if burst <= 0 {
		burst = DefaultBurstSize
	}
	return &Link{
		Control: make(chan Command, controlBuffer),
		Data:    make(chan Package, 2*burst),
		Status:  make(chan Status, 4),
	}
}
