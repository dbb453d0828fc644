// Package run drives one acquisition run: it starts the producer, pulls sample
// packages on the run's cadence, converts them into the selected units and keeps
// them in the run buffer.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/channel"
	"github.com/itohio/labdaq/pkg/config"
	"github.com/itohio/labdaq/pkg/daq"
	"github.com/itohio/labdaq/pkg/metrics"
	"github.com/itohio/labdaq/pkg/sensor"
	"github.com/itohio/labdaq/pkg/series"
)

var (
	// ErrProducerLost is returned by Wait when the producer went silent while draining.
	ErrProducerLost = errors.New("producer stopped answering")
	// ErrAlreadyStarted is returned by Start on a run that was started before.
	ErrAlreadyStarted = errors.New("run already started")
	// ErrNotStarted is returned by Wait on a run that was never started.
	ErrNotStarted = errors.New("run not started")
	// ErrNoActiveChannels is returned by New when every channel is inactive.
	ErrNoActiveChannels = errors.New("no active channels")
)

// Options configure a run.
type Options struct {
	Title string
	// Period is the target time between cycles.
	Period time.Duration
	// Averaging is the oversampling window per channel. Zero uses a third of the
	// period shared between the active channels.
	Averaging time.Duration
	// IgnoreSkew gives every channel of a cycle the mean time of the cycle.
	IgnoreSkew bool
	// Cycles stops the run after that many cycles. Zero runs until Stop.
	Cycles int
	// Duration stops the run after that long. Zero runs until Stop.
	Duration time.Duration

	Acquisition config.AcquisitionConfig
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// OptionsFromConfig maps the configuration file onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Title:       cfg.Run.Title,
		Period:      cfg.Run.Period(),
		Averaging:   cfg.Run.AveragingTime,
		IgnoreSkew:  !cfg.Run.PerChannelTimes,
		Cycles:      cfg.Run.Cycles,
		Duration:    cfg.Run.Duration,
		Acquisition: cfg.Acquisition,
	}
}

// Run is one acquisition run. It owns its buffer and its producer.
type Run struct {
	opts     Options
	logger   *zap.Logger
	all      []*channel.Setting
	settings []*channel.Setting // Active at Start
	buffer   *series.Buffer
	autoAvg  bool
	convert  func(s *channel.Setting, raw sensor.Stats, vdd float64) (sensor.Stats, error)

	started    atomic.Bool
	collecting atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}

	link      *daq.Link
	startedAt time.Time
	endedAt   time.Time
	final     *daq.Status

	producerDone chan struct{}
	done         chan struct{}
	err          error
}

// New prepares a run over the active settings. Settings may still change until
// Start, which takes the active set and the column labels as they are then.
func New(settings []*channel.Setting, opts Options) (*Run, error) {
	if opts.Period <= 0 {
		return nil, fmt.Errorf("run period must be positive, got %v", opts.Period)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	active, labels := activeSettings(settings)
	if len(active) == 0 {
		return nil, ErrNoActiveChannels
	}
	r := &Run{
		logger:   opts.Logger.With(zap.String("run", opts.Title)),
		all:      settings,
		settings: active,
		buffer:   series.New(labels),
		autoAvg:  opts.Averaging <= 0,
		convert:  (*channel.Setting).Convert,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	opts.Acquisition = withDefaults(opts.Acquisition)
	r.opts = opts
	r.deriveAveraging()
	return r, nil
}

func activeSettings(settings []*channel.Setting) ([]*channel.Setting, []string) {
	active := make([]*channel.Setting, 0, len(settings))
	labels := make([]string, 0, len(settings))
	for _, s := range settings {
		if s.Active() {
			active = append(active, s)
			labels = append(labels, s.Heading())
		}
	}
	return active, labels
}

// deriveAveraging shares a third of the period between the active channels
// unless an averaging time was given.
func (r *Run) deriveAveraging() {
	if r.autoAvg {
		r.opts.Averaging = r.opts.Period / time.Duration(len(r.settings)) / 3
	}
}

func withDefaults(a config.AcquisitionConfig) config.AcquisitionConfig {
	def := config.Default().Acquisition
	if a.BurstSize <= 0 {
		a.BurstSize = def.BurstSize
	}
	if a.StopGrace <= 0 {
		a.StopGrace = def.StopGrace
	}
	if a.DrainPoll <= 0 {
		a.DrainPoll = def.DrainPoll
	}
	if a.DrainTimeout <= 0 {
		a.DrainTimeout = def.DrainTimeout
	}
	return a
}

func (r *Run) Title() string { return r.opts.Title }
func (r *Run) Period() time.Duration { return r.opts.Period }
func (r *Run) Averaging() time.Duration { return r.opts.Averaging }
func (r *Run) IgnoreSkew() bool { return r.opts.IgnoreSkew }
func (r *Run) Settings() []*channel.Setting { return r.settings }
func (r *Run) Buffer() *series.Buffer { return r.buffer }
func (r *Run) Collecting() bool { return r.collecting.Load() }

// StartedAt returns the wall-clock start of the run.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// EndedAt returns when collection stopped. Valid after Wait returns.
func (r *Run) EndedAt() time.Time { return r.endedAt }

// Start freezes the settings and launches the producer and the consumer loop.
// Cancelling ctx aborts the run without draining.
func (r *Run) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, s := range r.all {
		s.Freeze()
	}
	active, labels := activeSettings(r.all)
	if len(active) == 0 {
		r.unfreeze()
		r.started.Store(false)
		return ErrNoActiveChannels
	}
	r.settings = active
	r.buffer.Reset(labels)
	r.deriveAveraging()

	chans := make([]daq.Channel, len(r.settings))
	for i, s := range r.settings {
		chans[i] = daq.Channel{Board: s.Board(), Channel: s.Channel(), Gain: s.Gain()}
	}
	r.link = daq.NewLink(r.opts.Acquisition.BurstSize)
	producer, err := daq.NewProducer(daq.Config{
		Channels:       chans,
		Period:         r.opts.Period,
		Averaging:      r.opts.Averaging,
		BurstSize:      r.opts.Acquisition.BurstSize,
		ChannelDelay:   r.opts.Acquisition.ChannelDelay,
		PacingOverhead: r.opts.Acquisition.PacingOverhead,
		Cycles:         r.opts.Cycles,
		Logger:         r.logger.Named("producer"),
		Metrics:        r.opts.Metrics,
	}, r.link)
	if err != nil {
		r.unfreeze()
		r.started.Store(false)
		return err
	}

	r.startedAt = time.Now()
	r.collecting.Store(true)
	select {
	case <-r.stopCh:
		// Stopped before it started: take one cycle and drain.
		r.collecting.Store(false)
	default:
	}

	pctx, cancel := context.WithCancel(ctx)
	r.producerDone = make(chan struct{})
	go func() {
		defer close(r.producerDone)
		_ = producer.Run(pctx)
	}()

	go func() {
		err := r.consume(ctx)
		r.collecting.Store(false)
		r.endedAt = time.Now()
		if err != nil {
			cancel()
		}
		r.joinProducer()
		cancel()

		r.unfreeze()
		r.buffer.Close()
		r.err = err
		if err != nil {
			r.logger.Error("Run ended with error", zap.Error(err), zap.Int("rows", r.buffer.Len()))
		} else {
			r.logger.Info("Run finished", zap.Int("rows", r.buffer.Len()))
		}
		close(r.done)
	}()

	r.logger.Info("Run started",
		zap.Int("channels", len(r.settings)),
		zap.Duration("period", r.opts.Period),
		zap.Duration("averaging", r.opts.Averaging))
	return nil
}

func (r *Run) unfreeze() {
	for _, s := range r.all {
		s.Unfreeze()
	}
}

// joinProducer waits for the producer goroutine. A board call that never returns
// would block it forever, so the wait is bounded by DrainTimeout.
func (r *Run) joinProducer() {
	select {
	case <-r.producerDone:
	case <-time.After(r.opts.Acquisition.DrainTimeout):
		r.logger.Error("Producer did not exit", zap.Duration("waited", r.opts.Acquisition.DrainTimeout))
	}
}

// Stop asks the run to finish. Collection ends at the next cycle boundary and the
// queued packages are drained; Wait returns once that is complete.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.collecting.Store(false)
		close(r.stopCh)
	})
}

// Wait blocks until the run has finished and returns the reason it failed, if any.
func (r *Run) Wait() error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	<-r.done
	return r.err
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) consume(ctx context.Context) error {
	for r.collecting.Load() {
		if err := r.drain(); err != nil {
			return err
		}
		if r.final != nil {
			// The producer finished on its own (cycle limit) and everything is here.
			return nil
		}
		r.buffer.Notify()

		if r.opts.Duration > 0 && time.Since(r.startedAt) >= r.opts.Duration {
			r.logger.Info("Run duration reached", zap.Duration("duration", r.opts.Duration))
			break
		}

		r.request(daq.CmdSend)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
		case <-time.After(r.opts.Period):
		}
	}
	return r.finish(ctx)
}

// drain takes whatever is ready without blocking.
func (r *Run) drain() error {
	for {
		select {
		case pkg := <-r.link.Data:
			r.accept(pkg)
		case s := <-r.link.Status:
			if err := r.status(s); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// finish stops the producer and waits for the rest of the data.
func (r *Run) finish(ctx context.Context) error {
	acq := r.opts.Acquisition
	if r.final == nil {
		if err := r.command(ctx, daq.CmdStop); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acq.StopGrace):
		}
		r.request(daq.CmdSend)
	}

	poll := time.NewTicker(acq.DrainPoll)
	defer poll.Stop()
	watchdog := time.NewTimer(acq.DrainTimeout)
	defer watchdog.Stop()

	for r.final == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkg := <-r.link.Data:
			r.accept(pkg)
			watchdog.Reset(acq.DrainTimeout)
		case s := <-r.link.Status:
			if err := r.status(s); err != nil {
				return err
			}
			watchdog.Reset(acq.DrainTimeout)
		case <-poll.C:
			r.buffer.Notify()
			r.request(daq.CmdSend)
		case <-watchdog.C:
			return fmt.Errorf("%w: nothing received for %v", ErrProducerLost, acq.DrainTimeout)
		}
	}
	return r.drain()
}

// status handles a producer message. A failure is returned once the data sent
// before it has been taken.
func (r *Run) status(s daq.Status) error {
	switch s.Kind {
	case daq.StatusDone:
		r.final = &s
		r.logger.Debug("Producer done")
	case daq.StatusFailed:
		r.final = &s
		r.drainData()
		return fmt.Errorf("acquisition failed: %w", s.Err)
	case daq.StatusDraining:
		r.logger.Debug("Producer draining")
	default:
		r.logger.Warn("Unexpected producer message", zap.Stringer("status", s.Kind))
	}
	return nil
}

func (r *Run) drainData() {
	for {
		select {
		case pkg := <-r.link.Data:
			r.accept(pkg)
		default:
			return
		}
	}
}

// request sends cmd unless the control channel is full; a full channel already
// holds a pending request.
func (r *Run) request(cmd daq.Command) {
	select {
	case r.link.Control <- cmd:
	default:
	}
}

// command delivers cmd, giving up when the producer stops reading commands.
func (r *Run) command(ctx context.Context, cmd daq.Command) error {
	timeout := r.opts.Acquisition.DrainTimeout
	select {
	case r.link.Control <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s not accepted within %v", ErrProducerLost, cmd, timeout)
	}
}

// accept converts a package and appends it to the buffer.
func (r *Run) accept(pkg daq.Package) {
	n := len(r.settings)
	if pkg.Len() != n {
		r.logger.Warn("Package shape mismatch", zap.Int("seq", pkg.Seq), zap.Int("values", pkg.Len()), zap.Int("channels", n))
		r.opts.Metrics.Dropped()
		return
	}

	row := series.Row{
		Seq:       pkg.Seq,
		Times:     make([]float64, n),
		Values:    make([]float64, n),
		Stdevs:    make([]float64, n),
		AvgStdevs: make([]float64, n),
	}
	shared := pkg.MeanTime()
	for i, s := range r.settings {
		raw := sensor.Stats{Avg: pkg.Values[i], Stdev: pkg.Stdevs[i], AvgStdev: pkg.AvgStdevs[i]}
		v, err := r.convert(s, raw, pkg.Vdds[i])
		if err != nil {
			// Raw volts would land under a column headed with another unit.
			r.logger.Warn("Conversion failed, row dropped",
				zap.Int("seq", pkg.Seq), zap.String("channel", s.Label()), zap.Error(err))
			r.opts.Metrics.Dropped()
			return
		}
		row.Times[i] = pkg.Times[i]
		if r.opts.IgnoreSkew {
			row.Times[i] = shared
		}
		row.Values[i] = v.Avg
		row.Stdevs[i] = v.Stdev
		row.AvgStdevs[i] = v.AvgStdev
	}

	if err := r.buffer.Append(row); err != nil {
		r.logger.Warn("Row rejected", zap.Error(err))
	}
}
