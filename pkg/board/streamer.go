package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/config"
	"github.com/itohio/labdaq/pkg/sensor"
)

const (
	// StreamerChannels is the number of analog inputs on a streaming device.
	StreamerChannels = 3
	streamerVdd      = 5.0
	streamerMaxCount = 4095
	streamerSpan     = 20.0 // Volts from -10 to +10

	// DefaultStreamerSamplePeriod is the firmware's frame interval.
	DefaultStreamerSamplePeriod = 2 * time.Millisecond
	// DefaultStreamerRingSize keeps 40 s of frames at the default period.
	DefaultStreamerRingSize = 20000

	cmdStreamStart = "1\n"
	cmdStreamStop  = "0\n"
)

// ErrStreamerTimeout is returned when the collector does not answer in time.
var ErrStreamerTimeout = errors.New("streamer did not answer")

// frame is one line from the device: a sample of every channel.
type frame struct {
	device time.Time
	counts [StreamerChannels]uint16
}

// volts converts a 12-bit count to the +/-10 V input range.
func volts(count uint16) float64 {
	return float64(count)/streamerMaxCount*streamerSpan - streamerSpan/2
}

// parseLine parses a line from the device.
// Format: unix_micros,ch1,ch2,ch3
// Example: 1234567890123,2048,1024,4095
func parseLine(line string) (frame, error) {
	parts := strings.Split(line, ",")
	if len(parts) != StreamerChannels+1 {
		return frame{}, fmt.Errorf("invalid line format: expected %d comma-separated values, got %d", StreamerChannels+1, len(parts))
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return frame{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	f := frame{device: time.UnixMicro(micros)}

	for i := 0; i < StreamerChannels; i++ {
		c, err := strconv.ParseUint(parts[i+1], 10, 16)
		if err != nil {
			return frame{}, fmt.Errorf("invalid reading on channel %d: %w", i+1, err)
		}
		if c > streamerMaxCount {
			return frame{}, fmt.Errorf("reading out of range on channel %d: %d (max %d)", i+1, c, streamerMaxCount)
		}
		f.counts[i] = uint16(c)
	}
	return f, nil
}

type reqKind int

const (
	reqMark reqKind = iota // Report the newest frame index
	reqNext                // Wait for the first frame after an index
)

type streamReq struct {
	kind  reqKind
	ch    int
	after int64
	reply chan streamReply
}

// streamReply always carries the collector's counters so callers never read them
// from shared state.
type streamReply struct {
	v     float64
	index int64
	taken int64
	start time.Time
	err   error
}

// collector is the single owner of the port reader output, the frame ring and
// the counters.
type collector struct {
	lines   <-chan string
	reqs    chan streamReq
	done    chan struct{}
	ringCap int
	logger  *zap.Logger
	now     func() time.Time

	ring    []frame // Frame i lives in ring[i%ringCap]
	taken   int64
	start   time.Time
	bad     int64
	waiting []streamReq
}

func (c *collector) run(ctx context.Context) {
	defer close(c.done)
	defer c.failWaiting(ErrClosed)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.accept(line)
		case r := <-c.reqs:
			c.handle(r)
		}
	}
}

func (c *collector) accept(line string) {
	f, err := parseLine(line)
	if err != nil {
		c.bad++
		c.logger.Warn("failed to parse line", zap.String("line", line), zap.Error(err))
		return
	}
	if c.taken == 0 {
		c.start = c.now()
	}
	if c.ring == nil {
		c.ring = make([]frame, c.ringCap)
	}
	c.ring[c.taken%int64(c.ringCap)] = f
	c.taken++

	pending := c.waiting
	c.waiting = nil
	for _, r := range pending {
		c.handle(r)
	}
}

func (c *collector) handle(r streamReq) {
	rep := streamReply{taken: c.taken, start: c.start, index: c.taken - 1}
	switch r.kind {
	case reqMark:
	case reqNext:
		idx := r.after + 1
		if oldest := c.oldest(); idx < oldest {
			idx = oldest
		}
		if idx >= c.taken {
			c.waiting = append(c.waiting, r)
			return
		}
		rep.index = idx
		rep.v = volts(c.ring[idx%int64(c.ringCap)].counts[r.ch-1])
	}
	r.reply <- rep
}

// oldest is the index of the oldest frame still in the ring.
func (c *collector) oldest() int64 {
	if c.taken > int64(c.ringCap) {
		return c.taken - int64(c.ringCap)
	}
	return 0
}

func (c *collector) failWaiting(err error) {
	for _, r := range c.waiting {
		r.reply <- streamReply{taken: c.taken, start: c.start, err: err}
	}
	c.waiting = nil
}

// Streamer is a continuously sampling serial device with three +/-10 V inputs.
// A background collector buffers every frame; the board reads from that buffer.
type Streamer struct {
	*core

	port    io.ReadWriteCloser
	timeout time.Duration
	col     *collector
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	cursor int64
}

var _ Board = (*Streamer)(nil)

// NewStreamer starts streaming on port. name identifies the device in logs.
func NewStreamer(name string, port io.ReadWriteCloser, cfg config.StreamerConfig, opts Options) (*Streamer, error) {
	opts = opts.withDefaults()
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = DefaultStreamerSamplePeriod
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultStreamerRingSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string, 64)
	s := &Streamer{
		core: newCore("Streamer "+name, "itohio", []int{1, 2, 3}, []float64{1}, streamerVdd,
			[]sensor.Kind{sensor.RawAtoD, sensor.VernierSSTemp, sensor.VernierGasP},
			cfg.SamplePeriod, opts),
		port:    port,
		timeout: cfg.RequestTimeout,
		cancel:  cancel,
		col: &collector{
			lines:   lines,
			reqs:    make(chan streamReq),
			done:    make(chan struct{}),
			ringCap: cfg.RingSize,
			now:     opts.Now,
		},
	}
	s.col.logger = s.logger
	s.core.read = s.read
	s.core.beginPass = s.mark

	if _, err := port.Write([]byte(cmdStreamStart)); err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLines(ctx, lines)
	}()
	go func() {
		defer s.wg.Done()
		s.col.run(ctx)
	}()
	return s, nil
}

// readLines scans the port and hands every non-empty line to the collector.
func (s *Streamer) readLines(ctx context.Context, out chan<- string) {
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in readLines", zap.Any("panic", r))
		}
	}()

	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("error reading from serial port", zap.Error(err))
	}
}

func (s *Streamer) request(r streamReq) (streamReply, error) {
	r.reply = make(chan streamReply, 1)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.col.reqs <- r:
	case <-s.col.done:
		return streamReply{}, ErrClosed
	case <-timer.C:
		return streamReply{}, ErrStreamerTimeout
	}
	select {
	case rep := <-r.reply:
		return rep, rep.err
	case <-s.col.done:
		return streamReply{}, ErrClosed
	case <-timer.C:
		return streamReply{}, ErrStreamerTimeout
	}
}

// Counters returns the number of frames received and when the first one arrived.
func (s *Streamer) Counters() (int64, time.Time, error) {
	rep, err := s.request(streamReq{kind: reqMark})
	return rep.taken, rep.start, err
}

// mark moves the read cursor to the newest frame so a pass only sees fresh data.
func (s *Streamer) mark(int) error {
	rep, err := s.request(streamReq{kind: reqMark})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cursor = rep.index
	s.mu.Unlock()
	return nil
}

func (s *Streamer) read(ch int, _ float64) (float64, float64, error) {
	s.mu.Lock()
	after := s.cursor
	s.mu.Unlock()

	rep, err := s.request(streamReq{kind: reqNext, ch: ch, after: after})
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	s.cursor = rep.index
	s.mu.Unlock()
	return rep.v, s.vdd, nil
}

// Close stops the device stream and the collector.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if _, err := s.port.Write([]byte(cmdStreamStop)); err != nil {
		s.logger.Warn("failed to stop streaming", zap.Error(err))
	}
	s.cancel()
	err := s.port.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close port: %w", err)
	}
	return nil
}

// FindStreamers opens the configured port, or every USB port matching the
// configured VID/PID when no port is set.
func FindStreamers(cfg config.StreamerConfig, opts Options) ([]Board, error) {
	opts = opts.withDefaults()

	names := []string{cfg.Port}
	if cfg.Port == "" {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		names = names[:0]
		for _, p := range ports {
			if p.IsUSB && strings.EqualFold(p.VID, cfg.VID) && strings.EqualFold(p.PID, cfg.PID) {
				names = append(names, p.Name)
			}
		}
	}

	var boards []Board
	for _, name := range names {
		port, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			opts.Logger.Warn("failed to open serial port", zap.String("port", name), zap.Error(err))
			continue
		}
		s, err := NewStreamer(name, port, cfg, opts)
		if err != nil {
			port.Close()
			opts.Logger.Warn("failed to start streamer", zap.String("port", name), zap.Error(err))
			continue
		}
		opts.Logger.Info("found streamer", zap.String("port", name))
		boards = append(boards, s)
	}
	return boards, nil
}
