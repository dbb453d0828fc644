// Package daq runs the acquisition producer: it samples every active channel once
// per cycle, queues the results and hands them to the consumer in bursts on request.
package daq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itohio/labdaq/pkg/board"
	"github.com/itohio/labdaq/pkg/metrics"
)

const (
	DefaultBurstSize      = 60
	DefaultChannelDelay   = time.Millisecond
	DefaultPacingOverhead = 2 * time.Millisecond
)

var (
	// ErrNoChannels is returned by NewProducer without active channels.
	ErrNoChannels = errors.New("no active channels")
	// ErrInvalidPeriod is returned by NewProducer for a non-positive cycle period.
	ErrInvalidPeriod = errors.New("cycle period must be positive")
)

// Channel is one active input. Channels are sampled in slice order.
type Channel struct {
	Board   board.Board
	Channel int
	Gain    float64
}

// Config configures a Producer.
type Config struct {
	Channels  []Channel
	Period    time.Duration // Target time between cycle starts
	Averaging time.Duration // Oversampling window per channel
	// BurstSize caps the packages sent for one CmdSend.
	BurstSize int
	// ChannelDelay is the minimum spacing between two channel reads.
	ChannelDelay time.Duration
	// PacingOverhead is subtracted from every inter-cycle sleep.
	PacingOverhead time.Duration
	// Cycles stops collection after that many cycles. 0 runs until CmdStop.
	Cycles int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// State is the producer's position in its life cycle.
type State int32

const (
	Collecting State = iota
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Draining:
		return "draining"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Producer owns the boards of one run for its whole lifetime.
type Producer struct {
	cfg     Config
	link    *Link
	queue   *Queue
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	state       atomic.Int32
	start       time.Time
	sendPending bool
}

// NewProducer validates cfg and creates a producer talking over link.
func NewProducer(cfg Config, link *Link) (*Producer, error) {
	if len(cfg.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeriod, cfg.Period)
	}
	for i, c := range cfg.Channels {
		if c.Board == nil {
			return nil, fmt.Errorf("channel %d has no board", i)
		}
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.ChannelDelay < 0 {
		cfg.ChannelDelay = 0
	}
	if cfg.PacingOverhead < 0 {
		cfg.PacingOverhead = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.ChannelDelay > 0 {
		limit = rate.Every(cfg.ChannelDelay)
	}

	return &Producer{
		cfg:     cfg,
		link:    link,
		queue:   NewQueue(),
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// State returns the current state. It is safe to call from any goroutine.
func (p *Producer) State() State {
	return State(p.state.Load())
}

// Queued returns the number of packages waiting to be sent.
func (p *Producer) Queued() int {
	return p.queue.Len()
}

func (p *Producer) setState(s State) {
	p.state.Store(int32(s))
}

// Run collects until stopped, drains the queue and reports StatusDone. A board
// error or a panic ends the run with StatusFailed instead. Cancelling ctx aborts
// immediately; queued packages are lost.
func (p *Producer) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
		p.setState(Done)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			p.logger.Info("Acquisition aborted", zap.Int("queued", p.queue.Len()))
		} else {
			p.metrics.Failed()
			p.logger.Error("Acquisition failed", zap.Error(err), zap.Int("queued", p.queue.Len()))
		}
		p.notify(Status{Kind: StatusFailed, Err: err})
	}()

	p.setState(Collecting)
	p.start = p.now()
	p.logger.Info("Acquisition started",
		zap.Int("channels", len(p.cfg.Channels)),
		zap.Duration("period", p.cfg.Period),
		zap.Duration("averaging", p.cfg.Averaging),
		zap.Int("cycles", p.cfg.Cycles))

	for seq := 0; ; {
		switch p.State() {
		case Collecting:
			began := p.now()
			pkg, err := p.cycle(ctx, seq)
			if err != nil {
				return err
			}
			p.queue.Push(pkg)
			p.metrics.Queue(p.queue.Len())
			seq++

			if p.cfg.Cycles > 0 && seq >= p.cfg.Cycles {
				p.drain("cycle limit reached")
			}
			if err := p.poll(ctx); err != nil {
				return err
			}
			if err := p.pace(ctx, p.now().Sub(began)); err != nil {
				return err
			}

		case Draining:
			if p.queue.Len() == 0 {
				p.setState(Done)
				p.logger.Info("Acquisition done", zap.Int("cycles", seq))
				p.notify(Status{Kind: StatusDone})
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cmd := <-p.link.Control:
				p.handle(cmd)
				if err := p.flush(ctx); err != nil {
					return err
				}
			}

		default:
			return nil
		}
	}
}

// cycle samples every channel once.
func (p *Producer) cycle(ctx context.Context, seq int) (Package, error) {
	began := p.now()
	pkg := newPackage(seq, len(p.cfg.Channels))
	discarded := 0

	for _, c := range p.cfg.Channels {
		if err := p.limiter.Wait(ctx); err != nil {
			return pkg, err
		}
		st, err := c.Board.OversampleStats(c.Channel, c.Gain, p.cfg.Averaging)
		if err != nil {
			return pkg, fmt.Errorf("%s channel %d: %w", c.Board.Name(), c.Channel, err)
		}
		pkg.Times = append(pkg.Times, st.Time.Sub(p.start).Seconds())
		pkg.Values = append(pkg.Values, st.Avg)
		pkg.Stdevs = append(pkg.Stdevs, st.Stdev)
		pkg.AvgStdevs = append(pkg.AvgStdevs, st.AvgStdev)
		pkg.Vdds = append(pkg.Vdds, st.Vdd)
		discarded += st.Discarded
	}

	p.metrics.Cycle(p.now().Sub(began).Seconds(), discarded)
	return pkg, nil
}

// pace sleeps out the rest of the cycle, answering commands meanwhile. It returns
// early once collection stops.
func (p *Producer) pace(ctx context.Context, elapsed time.Duration) error {
	if p.State() != Collecting {
		return nil
	}
	wait := p.cfg.Period - elapsed - p.cfg.PacingOverhead
	if wait <= 0 {
		p.logger.Debug("Cycle overran its period", zap.Duration("elapsed", elapsed))
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for p.State() == Collecting {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case cmd := <-p.link.Control:
			p.handle(cmd)
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// poll handles every pending command without blocking. Sends coalesce into one burst.
func (p *Producer) poll(ctx context.Context) error {
	for {
		select {
		case cmd := <-p.link.Control:
			p.handle(cmd)
		default:
			return p.flush(ctx)
		}
	}
}

func (p *Producer) handle(cmd Command) {
	switch cmd {
	case CmdSend:
		p.sendPending = true
	case CmdStop:
		if p.State() == Collecting {
			p.drain("stop requested")
		}
	default:
		p.logger.Warn("Unexpected command", zap.Stringer("command", cmd))
	}
}

func (p *Producer) drain(reason string) {
	p.setState(Draining)
	p.logger.Info("Acquisition stopping", zap.String("reason", reason), zap.Int("queued", p.queue.Len()))
	p.notify(Status{Kind: StatusDraining})
}

// flush sends one burst if the consumer asked for it.
func (p *Producer) flush(ctx context.Context) error {
	if !p.sendPending {
		return nil
	}
	p.sendPending = false

	batch := p.queue.DequeueBatch(p.cfg.BurstSize)
	for _, pkg := range batch {
		select {
		case p.link.Data <- pkg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.metrics.Sent(len(batch))
	p.metrics.Queue(p.queue.Len())
	return nil
}

// notify never blocks; the consumer may already be gone.
func (p *Producer) notify(s Status) {
	select {
	case p.link.Status <- s:
	default:
		p.logger.Warn("Status dropped", zap.Stringer("status", s.Kind))
	}
}
