package acquisition

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/experiment"
	"github.com/oshokin/abacus-daq/internal/logger"
	"github.com/oshokin/abacus-daq/internal/scheduler"
)

// Connector opens a device session on the named port.
type Connector func(ctx context.Context, port string) (experiment.Device, error)

// Status is a point-in-time summary of the controller.
type Status struct {
	// Port is the attached port, or "" when disconnected.
	Port string
	// Connected reports whether a device session is attached.
	Connected bool
	// Streaming reports whether acquisition runs.
	Streaming bool
	// Faulted reports whether the last session was discarded after a failure.
	Faulted bool
	// Config is the committed configuration.
	Config abacus.SessionConfig
	// Intervals are the current action periods.
	Intervals scheduler.Intervals
	// Rows counts rows recorded in this run.
	Rows int
	// Output is the data file path.
	Output string
	// Ledger is the params ledger path.
	Ledger string
}

// Controller runs an experiment: it owns the scheduler loop and the device
// worker and applies the error policy.
type Controller struct {
	exp     *experiment.Experiment
	sched   *scheduler.Coordinator
	work    *worker
	view    View
	connect Connector

	// Loop goroutine state.

	// polling is true while a poll job is in flight.
	polling bool
	// pollPending records a poll tick that arrived while polling.
	pollPending bool
	// checking is true while a health check job is in flight.
	checking bool
	// generation changes whenever the session is discarded; completions of
	// older generations are ignored.
	generation uint64
	// faulted is set by a session teardown and cleared by Connect.
	faulted bool
	// rows counts recorded rows.
	rows int
}

// options holds controller settings.
type options struct {
	view      View
	connect   Connector
	schedOpts []scheduler.Option
}

// Option configures a controller.
type Option func(*options)

// WithView sets the user interface.
func WithView(view View) Option {
	return func(o *options) {
		if view != nil {
			o.view = view
		}
	}
}

// WithConnector sets how Connect opens sessions.
func WithConnector(connect Connector) Option {
	return func(o *options) {
		o.connect = connect
	}
}

// WithSchedulerOptions passes options to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) {
		o.schedOpts = append(o.schedOpts, opts...)
	}
}

// New returns a controller for exp. Call Run to start its goroutines.
func New(exp *experiment.Experiment, opts ...Option) *Controller {
	o := options{view: nopView{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		exp:     exp,
		work:    newWorker(),
		view:    o.view,
		connect: o.connect,
	}

	c.sched = scheduler.New(samplingDuration(exp.Config().SamplingMs), scheduler.Handlers{
		Poll:         c.onPoll,
		PlotRefresh:  c.onPlot,
		LabelRefresh: c.onLabels,
		HealthCheck:  c.onHealth,
	}, o.schedOpts...)

	return c
}

// samplingDuration converts a sampling interval to a duration.
func samplingDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Run runs the scheduler loop and the device worker until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.work.run(ctx)
	})

	g.Go(func() error {
		return c.sched.Run(ctx)
	})

	return g.Wait()
}

// onLoop runs fn on the scheduler loop, or inline once the loop has exited.
func (c *Controller) onLoop(ctx context.Context, fn func()) error {
	err := c.sched.Call(ctx, fn)
	if errors.Is(err, scheduler.ErrStopped) {
		fn()

		return nil
	}

	return err
}

// onPoll dispatches a poll unless one is in flight, in which case the tick is
// deferred until the in-flight poll completes.
func (c *Controller) onPoll(ctx context.Context) {
	if c.polling {
		c.pollPending = true

		return
	}

	c.dispatchPoll(ctx)
}

// dispatchPoll sends one poll to the worker. Loop goroutine only.
func (c *Controller) dispatchPoll(ctx context.Context) {
	c.polling = true
	c.pollPending = false
	generation := c.generation

	c.work.submit(func() {
		row, err := c.exp.Poll(ctx)

		c.post(func() {
			c.pollDone(ctx, generation, row, err)
		})
	})
}

// post runs fn on the scheduler loop. Once the loop has exited and drained its
// queue, fn runs on the calling goroutine so a completed exchange is never lost.
func (c *Controller) post(fn func()) {
	if c.sched.Post(fn) {
		return
	}

	<-c.sched.Done()
	fn()
}

// pollDone records a completed poll. It runs on the loop goroutine, or
// after the loop has exited.
func (c *Controller) pollDone(ctx context.Context, generation uint64, row abacus.Row, err error) {
	if generation != c.generation {
		return
	}

	c.polling = false

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.fail(ctx, "poll", err)
		}

		return
	}

	if err := c.exp.Record(row); err != nil {
		c.warn(ctx, "record", err)
	}

	c.rows++

	if c.pollPending && c.sched.Armed() {
		c.dispatchPoll(ctx)
	}
}

// onPlot redraws the live window.
func (c *Controller) onPlot(context.Context) {
	c.view.Plot(c.exp.Topology(), c.exp.Window())
}

// onLabels shows the newest row.
func (c *Controller) onLabels(context.Context) {
	if row, ok := c.exp.Latest(); ok {
		c.view.Labels(c.exp.Topology(), row)
	}
}

// onHealth dispatches a periodic check unless one is in flight.
func (c *Controller) onHealth(ctx context.Context) {
	if c.checking {
		return
	}

	c.checking = true
	generation := c.generation

	c.work.submit(func() {
		divergence, cfg, err := c.exp.PeriodicCheck()

		c.post(func() {
			if generation != c.generation {
				return
			}

			c.checking = false

			switch {
			case abacus.IsTransient(err):
				logger.WarnKV(ctx, "Health check timed out, retrying next tick", "error", err)
			case abacus.IsCommunication(err):
				c.fail(ctx, "health check", err)

				return
			case err != nil:
				c.warn(ctx, "health check", err)
			}

			if divergence.Any() {
				logger.WarnKV(ctx, "Device configuration diverged",
					"cached_sampling_ms", divergence.CachedSamplingMs,
					"device_sampling_ms", divergence.DeviceSamplingMs,
					"cached_coincidence_window_ns", divergence.CachedCoincidenceWindowNs,
					"device_coincidence_window_ns", divergence.DeviceCoincidenceWindowNs)

				c.sched.SetSamplingInterval(samplingDuration(cfg.SamplingMs))
				c.view.ConfigChanged(cfg)
			}
		})
	})
}

// fail stops acquisition and discards the session. Loop goroutine only.
func (c *Controller) fail(ctx context.Context, op string, err error) {
	c.sched.Stop()
	c.generation++
	c.polling = false
	c.pollPending = false
	c.checking = false
	c.faulted = true

	logger.ErrorKV(ctx, "Acquisition stopped, session discarded", "op", op, "error", err)

	teardown := func() {
		if endErr := c.exp.EndStreaming(); endErr != nil {
			logger.WarnKV(ctx, "Failed to close streaming", "error", endErr)
		}

		if discardErr := c.exp.Discard(); discardErr != nil {
			logger.WarnKV(ctx, "Failed to close device", "error", discardErr)
		}
	}

	if !c.work.submit(teardown) {
		teardown()
	}

	c.view.Fault(err)
}

// warn reports a recoverable error. Loop goroutine only.
func (c *Controller) warn(ctx context.Context, op string, err error) {
	logger.WarnKV(ctx, "Recoverable error", "op", op, "error", err)
	c.view.Warning(err)
}

// classify applies the error policy to the result of a user command and
// returns err unchanged. Communication errors tear the session down.
func (c *Controller) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	if abacus.IsCommunication(err) && !errors.Is(err, abacus.ErrSessionClosed) {
		_ = c.onLoop(ctx, func() {
			c.fail(ctx, op, err)
		})
	}

	return err
}

// StartStreaming pushes the committed configuration to the instrument, records
// the start and arms the timers. The first poll happens immediately.
func (c *Controller) StartStreaming(ctx context.Context) error {
	if c.exp.Streaming() {
		return nil
	}

	var (
		cfg     abacus.SessionConfig
		results []error
	)

	// keep records err and reports whether starting may continue.
	keep := func(err error) bool {
		if err != nil {
			results = append(results, err)
		}

		return err == nil || abacus.IsPersistence(err)
	}

	err := c.work.do(ctx, func() {
		current := c.exp.Config()

		var err error

		if cfg, err = c.exp.SetSampling(current.SamplingMs); !keep(err) {
			return
		}

		if cfg, err = c.exp.SetCoinWindow(current.CoincidenceWindowNs); !keep(err) {
			return
		}

		keep(c.exp.BeginStreaming())
	})
	if err != nil {
		return err
	}

	startErr := errors.Join(results...)
	if startErr != nil && !c.exp.Streaming() {
		return c.classify(ctx, "start streaming", startErr)
	}

	err = c.onLoop(ctx, func() {
		c.faulted = false
		c.sched.SetSamplingInterval(samplingDuration(cfg.SamplingMs))
		c.sched.Start()
		c.view.ConfigChanged(cfg)

		if startErr != nil {
			c.warn(ctx, "start streaming", startErr)
		}
	})
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Streaming started", "sampling_ms", cfg.SamplingMs, "coincidence_window_ns", cfg.CoincidenceWindowNs)

	return nil
}

// StopStreaming disarms the timers, waits for an in-flight poll to be
// recorded, saves the buffer and records the stop.
func (c *Controller) StopStreaming(ctx context.Context) error {
	if err := c.onLoop(ctx, c.sched.Stop); err != nil {
		return err
	}

	// Let an in-flight poll finish and its completion reach the loop.
	if err := c.work.do(ctx, func() {}); err != nil {
		return err
	}

	if err := c.onLoop(ctx, func() {}); err != nil {
		return err
	}

	var (
		wasStreaming bool
		endErr       error
	)

	if err := c.work.do(ctx, func() {
		wasStreaming = c.exp.Streaming()
		endErr = c.exp.EndStreaming()
	}); err != nil {
		return err
	}

	if wasStreaming && endErr == nil {
		logger.InfoKV(ctx, "Streaming stopped", "rows", c.Status(ctx).Rows)
	}

	return endErr
}

// SetSampling changes the sampling interval. Timer intervals change only
// after the instrument accepted the value.
func (c *Controller) SetSampling(ctx context.Context, ms int) error {
	var (
		cfg    abacus.SessionConfig
		setErr error
	)

	if err := c.work.do(ctx, func() { cfg, setErr = c.exp.SetSampling(ms) }); err != nil {
		return err
	}

	if setErr != nil && !abacus.IsPersistence(setErr) {
		return c.classify(ctx, "set sampling", setErr)
	}

	if err := c.onLoop(ctx, func() {
		c.sched.SetSamplingInterval(samplingDuration(cfg.SamplingMs))
		c.view.ConfigChanged(cfg)
	}); err != nil {
		return err
	}

	return setErr
}

// SetCoinWindow changes the coincidence window.
func (c *Controller) SetCoinWindow(ctx context.Context, ns int) error {
	var (
		cfg    abacus.SessionConfig
		setErr error
	)

	if err := c.work.do(ctx, func() { cfg, setErr = c.exp.SetCoinWindow(ns) }); err != nil {
		return err
	}

	if setErr != nil && !abacus.IsPersistence(setErr) {
		return c.classify(ctx, "set coincidence window", setErr)
	}

	if err := c.onLoop(ctx, func() { c.view.ConfigChanged(cfg) }); err != nil {
		return err
	}

	return setErr
}

// SetTimer changes one detector's delay or sleep time.
func (c *Controller) SetTimer(ctx context.Context, kind abacus.TimerKind, channel string, ns int) error {
	var (
		cfg    abacus.SessionConfig
		setErr error
	)

	if err := c.work.do(ctx, func() { cfg, setErr = c.exp.SetTimer(kind, channel, ns) }); err != nil {
		return err
	}

	if setErr != nil && !abacus.IsPersistence(setErr) {
		return c.classify(ctx, "set "+kind.String(), setErr)
	}

	if err := c.onLoop(ctx, func() { c.view.ConfigChanged(cfg) }); err != nil {
		return err
	}

	return setErr
}

// Relocate moves the data file and ledger. It is refused while streaming.
func (c *Controller) Relocate(ctx context.Context, name string, removeOld bool) (string, error) {
	var (
		path string
		err  error
	)

	if callErr := c.onLoop(ctx, func() { path, err = c.exp.Relocate(name, removeOld) }); callErr != nil {
		return "", callErr
	}

	return path, err
}

// Save writes pending rows.
func (c *Controller) Save(ctx context.Context) error {
	var err error

	if callErr := c.onLoop(ctx, func() { err = c.exp.Save() }); callErr != nil {
		return callErr
	}

	return err
}

// Connect opens a new session on port and attaches it, replacing a discarded
// one. It is refused while streaming.
func (c *Controller) Connect(ctx context.Context, port string) error {
	if c.connect == nil {
		return errors.New("no connector configured")
	}

	if c.exp.Streaming() {
		return &abacus.ExperimentError{Param: "port", Err: abacus.ErrStreaming, Detail: "stop streaming first"}
	}

	dev, err := c.connect(ctx, port)
	if err != nil {
		return err
	}

	var (
		cfg       abacus.SessionConfig
		attachErr error
	)

	if err := c.work.do(ctx, func() { cfg, attachErr = c.exp.Attach(dev) }); err != nil {
		return err
	}

	if attachErr != nil && !abacus.IsPersistence(attachErr) {
		_ = dev.Close()

		return attachErr
	}

	if err := c.onLoop(ctx, func() {
		c.faulted = false
		c.sched.SetSamplingInterval(samplingDuration(cfg.SamplingMs))
		c.view.ConfigChanged(cfg)
	}); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Device attached", "port", dev.Name())

	return attachErr
}

// Finalize stops acquisition and finalizes the data file and ledger. It works
// after Run has returned.
func (c *Controller) Finalize(ctx context.Context) error {
	stopErr := c.StopStreaming(ctx)

	var finalErr error

	if err := c.work.do(ctx, func() { finalErr = c.exp.Finalize() }); err != nil {
		return errors.Join(stopErr, err)
	}

	return errors.Join(stopErr, finalErr)
}

// Status returns a summary of the controller state.
func (c *Controller) Status(ctx context.Context) Status {
	s := Status{
		Port:      c.exp.Port(),
		Connected: c.exp.Connected(),
		Streaming: c.exp.Streaming(),
		Config:    c.exp.Config(),
		Intervals: c.sched.Intervals(),
		Output:    c.exp.OutputPath(),
		Ledger:    c.exp.LedgerPath(),
	}

	_ = c.onLoop(ctx, func() {
		s.Faulted = c.faulted
		s.Rows = c.rows
	})

	return s
}

// Armed reports whether the periodic actions are armed.
func (c *Controller) Armed() bool {
	return c.sched.Armed()
}

// Experiment returns the controlled experiment.
func (c *Controller) Experiment() *experiment.Experiment {
	return c.exp
}
