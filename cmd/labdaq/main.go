package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.com/itohio/labdaq/pkg/board"
	"github.com/itohio/labdaq/pkg/channel"
	"github.com/itohio/labdaq/pkg/config"
	"github.com/itohio/labdaq/pkg/export"
	"github.com/itohio/labdaq/pkg/logging"
	"github.com/itohio/labdaq/pkg/metrics"
	"github.com/itohio/labdaq/pkg/run"
	"github.com/itohio/labdaq/pkg/series"
)

const envPrefix = "LABDAQ_"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "boards":
		err = boardsCommand(os.Args[2:])
	case "config":
		err = configCommand(os.Args[2:])
	case "show":
		err = showCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("labdaq %s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Println(`Usage: labdaq <command> [flags]

Commands:
  run      Acquire data with the configured channels and export the result
  boards   List the boards found on this machine
  config   Write the effective configuration to a file
  show     Summarise a previously exported run`)
}

// loadConfig reads the file, then applies environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		cfgPath  = fs.String("config", "config.yaml", "Configuration file path")
		mock     = fs.Bool("mock", false, "Use simulated boards only")
		duration = fs.Duration("duration", 0, "Stop after this long (overrides config)")
		cycles   = fs.Int("cycles", -1, "Stop after this many cycles (overrides config)")
		rate     = fs.Float64("rate", 0, "Cycles per second (overrides config)")
		listen   = fs.String("metrics", "", "Prometheus listen address (overrides config)")
		outDir   = fs.String("out", "", "Export directory (overrides config)")
		title    = fs.String("title", "", "Run title (overrides config)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *mock {
		cfg.Boards.Simulated = true
	}
	if *duration > 0 {
		cfg.Run.Duration = *duration
	}
	if *cycles >= 0 {
		cfg.Run.Cycles = *cycles
	}
	if *rate > 0 {
		cfg.Run.RateHz = *rate
	}
	if *listen != "" {
		cfg.Metrics.Listen = *listen
	}
	if *outDir != "" {
		cfg.Export.Dir = *outDir
	}
	if *title != "" {
		cfg.Run.Title = *title
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m = metrics.New(cfg.Metrics.Namespace, reg)
		srv := startMetrics(cfg.Metrics.Listen, reg, logger)
		defer srv.Close()
	}

	boards, err := discover(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBoards(boards, logger)

	settings, err := channel.Load(boards, cfg.Channels)
	if err != nil {
		return err
	}

	opts := run.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Metrics = m
	r, err := run.New(settings, opts)
	if err != nil {
		return err
	}
	r.Buffer().OnUpdate(func(s [][]series.Point) { logLatest(logger, r.Buffer().Labels(), s) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		// The first signal drains the producer, the second abandons it.
		select {
		case <-sig:
		case <-r.Done():
			return
		}
		logger.Info("Stopping run, press Ctrl+C again to abort")
		r.Stop()
		select {
		case <-sig:
			cancel()
		case <-r.Done():
		}
	}()

	if err := r.Start(ctx); err != nil {
		return err
	}
	logger.Info("Run started",
		zap.String("title", r.Title()),
		zap.Duration("period", r.Period()),
		zap.Duration("averaging", r.Averaging()),
		zap.Strings("channels", r.Buffer().Labels()))
	runErr := r.Wait()
	logger.Info("Run finished",
		zap.Int("rows", r.Buffer().Len()),
		zap.Duration("elapsed", r.EndedAt().Sub(r.StartedAt())),
		zap.Error(runErr))

	if !cfg.Export.Disable && r.Buffer().Len() > 0 {
		path, err := export.SaveRun(cfg.Export.Dir, r)
		if err != nil {
			return errors.Join(runErr, err)
		}
		logger.Info("Run exported", zap.String("path", path))
	}
	return runErr
}

func boardsCommand(args []string) error {
	fs := flag.NewFlagSet("boards", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "Configuration file path")
	mock := fs.Bool("mock", false, "List simulated boards only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *mock {
		cfg.Boards.Simulated = true
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	boards, err := discover(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBoards(boards, logger)

	for i, b := range boards {
		kinds := make([]string, 0, len(b.Sensors()))
		for _, k := range b.Sensors() {
			kinds = append(kinds, string(k))
		}
		fmt.Printf("%d: %s (%s) Vdd=%.3gV channels=%v gains=%v\n   sensors: %s\n",
			i, b.Name(), b.Vendor(), b.Vdd(), b.Channels(), b.Gains(), strings.Join(kinds, ", "))
	}
	return nil
}

func configCommand(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "Configuration file to start from")
	outPath := fs.String("out", "config.yaml", "Where to write the configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Save(*outPath); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", *outPath)
	return nil
}

func showCommand(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one exported file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	meta, rows, err := export.Read(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s: started %s, %.3g Hz, averaging %s, %d rows\n",
		meta.Title, meta.Started.Format(time.RFC3339), meta.RateHz, meta.Averaging, len(rows))
	for i, c := range meta.Channels {
		line := fmt.Sprintf("  %s(%s) %s[%d] ch%d %s gain=%g", c.Label, c.Unit, c.Board, c.Index, c.Channel, c.Sensor, c.Gain)
		if len(rows) > 0 {
			last := rows[len(rows)-1]
			line += fmt.Sprintf(" last=%g±%g", last.Values[i], last.AvgStdevs[i])
		}
		fmt.Println(line)
	}
	return nil
}

// discover searches for boards behind a spinner.
func discover(cfg *config.Config, logger *zap.Logger) ([]board.Board, error) {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "searching for boards",
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		StopFailMessage:   "no boards found",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create spinner: %w", err)
	}
	if err := spinner.Start(); err != nil {
		logger.Debug("Spinner unavailable", zap.Error(err))
		spinner = nil
	}

	boards := board.Load(&cfg.Boards, board.Options{
		Logger:         logger,
		MaxPassRetries: cfg.Acquisition.MaxPassRetries,
		RetryInterval:  cfg.Acquisition.RetryInterval,
	})

	if spinner != nil {
		if len(boards) == 0 {
			_ = spinner.StopFail()
		} else {
			spinner.StopMessage(fmt.Sprintf("found %d boards", len(boards)))
			_ = spinner.Stop()
		}
	}
	if len(boards) == 0 {
		return nil, channel.ErrNoBoards
	}
	return boards, nil
}

func closeBoards(boards []board.Board, logger *zap.Logger) {
	for _, b := range boards {
		if err := b.Close(); err != nil {
			logger.Warn("Failed to close board", zap.String("board", b.Name()), zap.Error(err))
		}
	}
}

func startMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server exited", zap.Error(err))
		}
	}()
	return srv
}

func logLatest(logger *zap.Logger, labels []string, s [][]series.Point) {
	fields := make([]zap.Field, 0, len(s))
	for i, pts := range s {
		if len(pts) == 0 || i >= len(labels) {
			continue
		}
		p := pts[len(pts)-1]
		fields = append(fields, zap.String(labels[i], fmt.Sprintf("%g±%g", p.Value, p.AvgStdev)))
	}
	logger.Info("Update", fields...)
}
