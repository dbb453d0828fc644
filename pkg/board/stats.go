package board

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/itohio/labdaq/pkg/sensor"
)

// pass is the outcome of one successful oversampling pass.
type pass struct {
	values    []float64
	refs      []float64
	start     time.Time
	end       time.Time
	discarded int
}

// targetCount is the number of reads that fit into d.
func (c *core) targetCount(d time.Duration) int {
	n := int(math.Round(float64(d) / float64(c.perSample)))
	if n < 1 {
		n = 1
	}
	return n
}

func (c *core) retryPolicy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.RetryInterval
	exp.MaxInterval = 50 * c.opts.RetryInterval
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, c.opts.MaxPassRetries)
}

// collect runs oversampling passes until one yields at least one valid sample.
// Bad reads are dropped and counted; any other read error stops immediately.
func (c *core) collect(ch int, gain float64, d time.Duration) (pass, error) {
	if err := c.check(ch, gain); err != nil {
		return pass{}, err
	}

	n := c.targetCount(d)
	var (
		p         pass
		discarded int
		passes    int
	)
	op := func() error {
		passes++
		if c.beginPass != nil {
			if err := c.beginPass(ch); err != nil {
				return backoff.Permanent(err)
			}
		}

		p = pass{
			values: make([]float64, 0, n),
			refs:   make([]float64, 0, n),
			start:  c.opts.Now(),
		}
		for i := 0; i < n; i++ {
			v, ref, err := c.read(ch, gain)
			if errors.Is(err, ErrBadRead) {
				discarded++
				c.logger.Warn("discarding bad read", zap.Int("channel", ch), zap.Error(err))
				continue
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			p.values = append(p.values, v)
			p.refs = append(p.refs, ref)
		}
		p.end = c.opts.Now()

		if len(p.values) == 0 {
			c.logger.Warn("oversampling pass yielded no valid samples",
				zap.Int("channel", ch), zap.Int("pass", passes), zap.Int("target", n))
			return ErrNoValidSamples
		}
		return nil
	}

	err := backoff.Retry(op, c.retryPolicy())
	p.discarded = discarded
	if errors.Is(err, ErrNoValidSamples) {
		return p, fmt.Errorf("%s channel %d: %w after %d passes", c.name, ch, ErrNoValidSamples, passes)
	}
	if err != nil {
		return p, fmt.Errorf("%s channel %d: %w", c.name, ch, err)
	}
	return p, nil
}

// Oversample reads ch for about d and reports mean, min and max.
func (c *core) Oversample(ch int, gain float64, d time.Duration) (Range, error) {
	p, err := c.collect(ch, gain, d)
	if err != nil {
		return Range{}, err
	}
	return Range{
		Avg:  stat.Mean(p.values, nil),
		Min:  floats.Min(p.values),
		Max:  floats.Max(p.values),
		Time: midpoint(p.start, p.end),
		Vdd:  stat.Mean(p.refs, nil),
	}, nil
}

// OversampleStats reads ch for about d and reports the mean with its standard
// deviation and the standard deviation of the mean.
//
// A single valid sample has no spread estimate; both deviations are then zero.
func (c *core) OversampleStats(ch int, gain float64, d time.Duration) (Stats, error) {
	p, err := c.collect(ch, gain, d)
	if err != nil {
		return Stats{Discarded: p.discarded}, err
	}

	n := len(p.values)
	avg, std := stat.MeanStdDev(p.values, nil)
	if n < 2 {
		std = 0
	}
	s := Stats{
		Avg:       avg,
		Stdev:     std,
		AvgStdev:  std / math.Sqrt(float64(n)),
		Time:      midpoint(p.start, p.end),
		Vdd:       stat.Mean(p.refs, nil),
		N:         n,
		Discarded: p.discarded,
	}
	if c.round {
		r := sensor.RoundStats(sensor.Stats{Avg: s.Avg, Stdev: s.Stdev, AvgStdev: s.AvgStdev})
		s.Avg, s.Stdev, s.AvgStdev = r.Avg, r.Stdev, r.AvgStdev
	}
	return s, nil
}
