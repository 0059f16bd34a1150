package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/abacus-daq/internal/config"
	"github.com/oshokin/abacus-daq/internal/console"
	"github.com/oshokin/abacus-daq/internal/device"
	"github.com/oshokin/abacus-daq/internal/device/simulator"
	"github.com/oshokin/abacus-daq/internal/display"
	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/experiment"
	"github.com/oshokin/abacus-daq/internal/logger"
	"github.com/oshokin/abacus-daq/internal/repository/ledger"
	"github.com/oshokin/abacus-daq/internal/repository/ringbuffer"
	"github.com/oshokin/abacus-daq/internal/scheduler"
	"github.com/oshokin/abacus-daq/internal/service/acquisition"
)

// Options controls one stream run. Zero values keep the settings file values.
type Options struct {
	// ConfigPath specifies the settings YAML file. The default file is optional.
	ConfigPath string
	// Port overrides the serial port; empty means the configured port or discovery.
	Port string
	// Output overrides the data file.
	Output string
	// SamplingMs overrides the sampling interval.
	SamplingMs int
	// CoincidenceWindowNs overrides the coincidence window.
	CoincidenceWindowNs int
	// LogLevel overrides the log level.
	LogLevel string
	// Simulate replaces the serial counter with an in-process simulator.
	Simulate bool
	// Headless starts streaming at once and runs without the console.
	Headless bool
	// Duration stops a headless run after this long; zero runs until canceled.
	Duration time.Duration
	// Stdout receives view output in headless mode; nil means os.Stdout.
	Stdout io.Writer
}

// ErrNoCounter indicates that discovery found no counter.
var ErrNoCounter = errors.New("no counter found")

// Run executes a stream session and blocks until it ends. The data file and
// params ledger are finalized before it returns.
func Run(ctx context.Context, opts *Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	if level, ok := logger.ParseLogLevel(settings.LogLevel); ok {
		logger.SetLevel(level)
	}

	ctx = logger.WithName(ctx, "abacus.stream")
	ctx = logger.WithKV(ctx, "session", uuid.NewString())

	started := time.Now()

	output, err := ringbuffer.ResolveOutput(settings.OutputPath(started), "")
	if err != nil {
		return fmt.Errorf("output file: %w", err)
	}

	for _, path := range existingFiles(output, ledger.PathFor(output)) {
		logger.WarnKV(ctx, "The selected file already exists, data will be appended", "path", path)
	}

	buffer, err := ringbuffer.New(output, settings.Topology.Header(),
		ringbuffer.WithCapacity(settings.BufferRows),
		ringbuffer.WithDelimiter(settings.Delimiter))
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}

	params := ledger.New(ledger.PathFor(output), started, ledger.WithDelimiter(settings.Delimiter))

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	view := display.NewTerminal(stdout, display.WithLive(!opts.Headless))
	devOpts := deviceOptions(settings, opts.Simulate)
	connect := connector(devOpts)

	var term *console.Console

	if !opts.Headless {
		term = console.New(nil, console.WithView(view), console.WithPortLister(func(ctx context.Context) ([]string, error) {
			return device.Discover(ctx, devOpts...)
		}))

		if err := term.Open(); err != nil {
			_ = buffer.Close()

			return err
		}

		defer logger.SetOutput(os.Stdout)
	}

	dev, err := connect(ctx, settings.Port)
	if err != nil {
		if opts.Headless {
			_ = buffer.Close()

			return err
		}

		logger.WarnKV(ctx, "Counter not attached, use 'connect' in the console", "error", err)
	}

	exp, err := experiment.New(dev, settings.Topology, buffer, params)
	if err != nil {
		if dev != nil {
			_ = dev.Close()
		}

		_ = buffer.Close()

		return fmt.Errorf("create experiment: %w", err)
	}

	applySettings(ctx, exp, settings)

	ctrl := acquisition.New(exp,
		acquisition.WithView(view),
		acquisition.WithConnector(connect),
		acquisition.WithSchedulerOptions(
			scheduler.WithFloors(scheduler.Floors{Plot: settings.PlotFloor, Label: settings.LabelFloor}),
			scheduler.WithHealthInterval(settings.CheckInterval),
		))

	logger.InfoKV(ctx, "Session ready",
		"port", exp.Port(), "output", exp.OutputPath(), "params", exp.LedgerPath(),
		"sampling_ms", exp.Config().SamplingMs, "coincidence_window_ns", exp.Config().CoincidenceWindowNs)

	runErr := run(ctx, ctrl, term, opts)

	// The run context is gone by now; finalizing must still complete.
	finalErr := ctrl.Finalize(context.WithoutCancel(ctx))
	if finalErr != nil {
		logger.ErrorKV(ctx, "Finalize failed", "error", finalErr)
	} else {
		logger.InfoKV(ctx, "Session finished", "output", exp.OutputPath())
	}

	return errors.Join(runErr, finalErr)
}

// run drives the controller until the console quits, the headless duration
// ends or ctx is canceled. The controller outlives the front end: streaming is
// stopped while its loops still run, so an in-flight poll is recorded.
func run(ctx context.Context, ctrl *acquisition.Controller, term *console.Console, opts *Options) error {
	ctrlCtx, stopCtrl := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCtrl()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(ctrlCtx)
	})

	g.Go(func() error {
		defer stopCtrl()

		var frontErr error

		if term != nil {
			term.Bind(ctrl)
			frontErr = term.Run(gctx)
		} else {
			frontErr = headless(gctx, ctrl, opts.Duration)
		}

		if err := ctrl.StopStreaming(context.WithoutCancel(ctx)); err != nil {
			return errors.Join(frontErr, fmt.Errorf("stop streaming: %w", err))
		}

		return frontErr
	})

	logger.DebugKV(ctx, "Stream started", "headless", opts.Headless, "simulate", opts.Simulate)

	return g.Wait()
}

// headless streams until ctx is done or d elapses.
func headless(ctx context.Context, ctrl *acquisition.Controller, d time.Duration) error {
	if err := ctrl.StartStreaming(ctx); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	if d <= 0 {
		<-ctx.Done()

		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	return nil
}

// existingFiles returns the paths that already exist on disk.
func existingFiles(paths ...string) []string {
	var found []string

	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			found = append(found, path)
		}
	}

	return found
}

// loadSettings reads the settings file and applies the command line overrides.
func loadSettings(opts *Options) (*config.Config, error) {
	settings, err := config.Load(opts.ConfigPath)

	switch {
	case err == nil:
	case opts.ConfigPath == "" && errors.Is(err, fs.ErrNotExist):
		settings = config.Default()
	default:
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.Port != "" {
		settings.Port = opts.Port
	}

	if opts.Output != "" {
		settings.OutputFile = opts.Output
	}

	if opts.SamplingMs != 0 {
		settings.SamplingMs = opts.SamplingMs
	}

	if opts.CoincidenceWindowNs != 0 {
		settings.CoincidenceWindowNs = opts.CoincidenceWindowNs
	}

	if opts.LogLevel != "" {
		settings.LogLevel = opts.LogLevel
	}

	if err := config.Validate(settings); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}

	return settings, nil
}

// simulatedPort names the simulator in logs and status.
const simulatedPort = "simulator"

// deviceOptions maps settings onto session options. A simulated run gets a
// fresh instrument on every open, so identity checks never disturb a live session.
func deviceOptions(settings *config.Config, simulate bool) []device.Option {
	opts := []device.Option{
		device.WithBaudRate(settings.BaudRate),
		device.WithTimeout(settings.ProtocolTimeout),
	}

	if simulate {
		opts = append(opts,
			device.WithOpener(func(string, int) (device.Port, error) {
				return simulator.New(), nil
			}),
			device.WithLister(func() ([]string, error) {
				return []string{simulatedPort}, nil
			}),
		)
	}

	return opts
}

// connector opens sessions on the given port, or on the first counter
// discovery finds when no port is given.
func connector(opts []device.Option) acquisition.Connector {
	return func(ctx context.Context, port string) (experiment.Device, error) {
		if port == "" {
			found, err := device.Discover(ctx, opts...)
			if err != nil {
				return nil, err
			}

			if len(found) == 0 {
				return nil, ErrNoCounter
			}

			port = found[0]
		}

		session, err := device.Open(ctx, port, opts...)
		if err != nil {
			return nil, err
		}

		return session, nil
	}
}

// applySettings pushes the configured acquisition values to a freshly opened
// counter. Failures leave the counter's own values in place.
func applySettings(ctx context.Context, exp *experiment.Experiment, settings *config.Config) {
	if !exp.Connected() {
		return
	}

	if exp.Config().SamplingMs != settings.SamplingMs {
		if _, err := exp.SetSampling(settings.SamplingMs); err != nil {
			logger.WarnKV(ctx, "Could not apply sampling time", "sampling_ms", settings.SamplingMs, "error", err)
		}
	}

	if exp.Config().CoincidenceWindowNs != settings.CoincidenceWindowNs {
		if _, err := exp.SetCoinWindow(settings.CoincidenceWindowNs); err != nil {
			logger.WarnKV(ctx, "Could not apply coincidence window", "coincidence_window_ns", settings.CoincidenceWindowNs, "error", err)
		}
	}

	for _, kind := range abacus.TimerKinds {
		configured := settings.Timers(kind)

		for detector, channel := range abacus.DetectorChannels {
			ns, ok := configured[channel]
			if !ok || exp.Config().Timers(kind)[detector] == ns {
				continue
			}

			if _, err := exp.SetTimer(kind, channel, ns); err != nil {
				logger.WarnKV(ctx, "Could not apply detector timer", "timer", kind.String(), "channel", channel, "ns", ns, "error", err)
			}
		}
	}
}
