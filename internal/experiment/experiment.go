package experiment

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshokin/abacus-daq/internal/device"
	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/repository/ledger"
	"github.com/oshokin/abacus-daq/internal/repository/ringbuffer"
)

// Ledger labels.
const (
	LabelSampling          = "Sampling Time"
	LabelCoincidenceWindow = "Coincidence window"
	LabelStreamingStarted  = "Streaming started."
	LabelStreamingStopped  = "Streaming stopped."
)

// Device is the instrument session an experiment drives.
// *device.Session implements it.
type Device interface {
	Name() string
	State() device.State
	Sampling() int
	CoincidenceWindow() int
	SetSampling(ms int) error
	SetCoincidenceWindow(ns int) error
	Timers(kind abacus.TimerKind) abacus.DetectorTimers
	SetTimer(kind abacus.TimerKind, channel string, ns int) error
	PeriodicCheck() (device.Divergence, error)
	CurrentValues() (device.Reading, error)
	BeginStreaming() error
	EndStreaming()
	Close() error
}

// Experiment couples one device session with a fixed channel topology, the
// row buffer and the params ledger. Poll may run on a different goroutine
// than the other methods.
type Experiment struct {
	// topology is fixed for the experiment's lifetime.
	topology abacus.Topology
	// buffer stores rows and owns the data file.
	buffer *ringbuffer.Buffer
	// ledger records configuration and lifecycle events.
	ledger *ledger.Ledger
	// clock stamps ledger entries.
	clock func() time.Time
	// config is the latest committed snapshot.
	config atomic.Pointer[abacus.SessionConfig]

	// mu guards the fields below.
	mu sync.Mutex
	// dev is the current session; nil after Discard.
	dev Device
	// anchor is the reading time of the first poll.
	anchor time.Time
	// anchored is set by the first successful poll.
	anchored bool
	// streaming is set between BeginStreaming and EndStreaming.
	streaming bool
	// finalized is set by Finalize.
	finalized bool
}

// Option configures an experiment.
type Option func(*Experiment)

// WithClock replaces the clock that stamps ledger entries.
func WithClock(clock func() time.Time) Option {
	return func(e *Experiment) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New validates topology and returns an experiment over dev. dev may be nil
// when no instrument is connected yet; the configuration then starts from the
// power-on defaults, otherwise from what the instrument reports.
func New(dev Device, topology abacus.Topology, buffer *ringbuffer.Buffer, params *ledger.Ledger, opts ...Option) (*Experiment, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	e := &Experiment{
		topology: topology.Clone(),
		buffer:   buffer,
		ledger:   params,
		clock:    time.Now,
		dev:      dev,
	}

	for _, opt := range opts {
		opt(e)
	}

	cfg := abacus.DefaultSessionConfig()
	if dev != nil {
		cfg = reportedBy(dev)
	}

	e.config.Store(&cfg)

	return e, nil
}

// Topology returns the channel topology.
func (e *Experiment) Topology() abacus.Topology {
	return e.topology.Clone()
}

// NumDetectors returns the number of detector channels.
func (e *Experiment) NumDetectors() int {
	return e.topology.NumDetectors()
}

// NumCoins returns the number of coincidence channels.
func (e *Experiment) NumCoins() int {
	return e.topology.NumCoins()
}

// Config returns the latest committed configuration snapshot.
func (e *Experiment) Config() abacus.SessionConfig {
	return *e.config.Load()
}

// commit stores the next snapshot.
func (e *Experiment) commit(cfg abacus.SessionConfig) {
	e.config.Store(&cfg)
}

// Connected reports whether a device session is attached.
func (e *Experiment) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dev != nil
}

// Streaming reports whether acquisition is running.
func (e *Experiment) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.streaming
}

// Port returns the attached device's port name, or "" when disconnected.
func (e *Experiment) Port() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev == nil {
		return ""
	}

	return e.dev.Name()
}

// device returns the attached session or a fatal error when there is none.
func (e *Experiment) device(op string) (Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev == nil {
		return nil, &abacus.CommunicationError{Op: op, Err: abacus.ErrSessionClosed}
	}

	return e.dev, nil
}

// Poll performs one blocking device read and converts it into a row. The
// first successful poll defines elapsed time zero; later rows are relative to
// it and never negative.
func (e *Experiment) Poll(ctx context.Context) (abacus.Row, error) {
	if err := ctx.Err(); err != nil {
		return abacus.Row{}, err
	}

	dev, err := e.device("poll")
	if err != nil {
		return abacus.Row{}, err
	}

	reading, err := dev.CurrentValues()
	if err != nil {
		return abacus.Row{}, err
	}

	e.mu.Lock()
	if !e.anchored {
		e.anchor = reading.At
		e.anchored = true
	}

	elapsed := reading.At.Sub(e.anchor).Seconds()
	e.mu.Unlock()

	return abacus.Row{
		Elapsed:      max(elapsed, 0),
		Detectors:    reading.Select(e.topology.Detectors),
		Coincidences: reading.Select(e.topology.Coincidences),
	}, nil
}

// Record appends a polled row to the buffer.
func (e *Experiment) Record(row abacus.Row) error {
	return e.buffer.Extend(row)
}

// Window returns the live rows, oldest first.
func (e *Experiment) Window() []abacus.Row {
	return e.buffer.Window()
}

// Latest returns the newest live row.
func (e *Experiment) Latest() (abacus.Row, bool) {
	return e.buffer.Latest()
}

// SetSampling validates ms, sends it to the instrument and, only when the
// instrument accepts it, commits a new snapshot and records it in the ledger.
// A ledger failure is returned as *abacus.PersistenceError together with the
// committed snapshot.
func (e *Experiment) SetSampling(ms int) (abacus.SessionConfig, error) {
	if err := abacus.ValidateSampling(ms); err != nil {
		return e.Config(), err
	}

	dev, err := e.device("set sampling")
	if err != nil {
		return e.Config(), err
	}

	if err := dev.SetSampling(ms); err != nil {
		return e.Config(), err
	}

	cfg := e.Config().WithSampling(ms)
	e.commit(cfg)

	return cfg, e.ledger.Append(e.clock(), LabelSampling, strconv.Itoa(ms), "ms")
}

// SetCoinWindow is SetSampling for the coincidence window.
func (e *Experiment) SetCoinWindow(ns int) (abacus.SessionConfig, error) {
	if err := abacus.ValidateCoincidenceWindow(ns); err != nil {
		return e.Config(), err
	}

	dev, err := e.device("set coincidence window")
	if err != nil {
		return e.Config(), err
	}

	if err := dev.SetCoincidenceWindow(ns); err != nil {
		return e.Config(), err
	}

	cfg := e.Config().WithCoincidenceWindow(ns)
	e.commit(cfg)

	return cfg, e.ledger.Append(e.clock(), LabelCoincidenceWindow, strconv.Itoa(ns), "ns")
}

// SetTimer is SetSampling for one detector's delay or sleep time.
func (e *Experiment) SetTimer(kind abacus.TimerKind, channel string, ns int) (abacus.SessionConfig, error) {
	detector, err := abacus.DetectorIndex(channel)
	if err != nil {
		return e.Config(), err
	}

	if err := abacus.ValidateTimer(kind, ns); err != nil {
		return e.Config(), err
	}

	dev, err := e.device("set " + kind.String())
	if err != nil {
		return e.Config(), err
	}

	channel = abacus.DetectorChannels[detector]
	if err := dev.SetTimer(kind, channel, ns); err != nil {
		return e.Config(), err
	}

	cfg := e.Config().WithTimer(kind, detector, ns)
	e.commit(cfg)

	return cfg, e.ledger.Append(e.clock(), timerLabel(kind, detector), strconv.Itoa(ns), "ns")
}

// timerLabel names a detector timer in the ledger, e.g. "Delay A".
func timerLabel(kind abacus.TimerKind, detector int) string {
	return kind.Label() + " " + abacus.DetectorChannels[detector]
}

// reportedBy returns the configuration a device session has cached.
func reportedBy(dev Device) abacus.SessionConfig {
	return abacus.SessionConfig{
		SamplingMs:          dev.Sampling(),
		CoincidenceWindowNs: dev.CoincidenceWindow(),
		DelaysNs:            dev.Timers(abacus.TimerDelay),
		SleepsNs:            dev.Timers(abacus.TimerSleep),
	}
}

// PeriodicCheck asks the instrument for its configuration. On divergence the
// instrument wins: a snapshot mirroring it is committed and the reported
// values are recorded. Nothing is written to the instrument.
func (e *Experiment) PeriodicCheck() (device.Divergence, abacus.SessionConfig, error) {
	dev, err := e.device("periodic check")
	if err != nil {
		return device.Divergence{}, e.Config(), err
	}

	divergence, err := dev.PeriodicCheck()
	if err != nil {
		return device.Divergence{}, e.Config(), err
	}

	cfg, err := e.reconcile(divergence.Reported())

	return divergence, cfg, err
}

// reconcile commits the instrument's values when they differ from the snapshot.
func (e *Experiment) reconcile(reported abacus.SessionConfig) (abacus.SessionConfig, error) {
	cfg := e.Config()

	var errs []error

	if cfg.SamplingMs != reported.SamplingMs {
		cfg = cfg.WithSampling(reported.SamplingMs)
		errs = append(errs, e.ledger.Append(e.clock(), LabelSampling, strconv.Itoa(reported.SamplingMs), "ms"))
	}

	if cfg.CoincidenceWindowNs != reported.CoincidenceWindowNs {
		cfg = cfg.WithCoincidenceWindow(reported.CoincidenceWindowNs)
		errs = append(errs, e.ledger.Append(e.clock(), LabelCoincidenceWindow, strconv.Itoa(reported.CoincidenceWindowNs), "ns"))
	}

	for _, kind := range abacus.TimerKinds {
		current, want := cfg.Timers(kind), reported.Timers(kind)

		for detector := range current {
			if current[detector] == want[detector] {
				continue
			}

			cfg = cfg.WithTimer(kind, detector, want[detector])
			errs = append(errs, e.ledger.Append(e.clock(), timerLabel(kind, detector), strconv.Itoa(want[detector]), "ns"))
		}
	}

	e.commit(cfg)

	return cfg, errors.Join(errs...)
}

// BeginStreaming marks the session as streaming and records the start.
func (e *Experiment) BeginStreaming() error {
	dev, err := e.device("begin streaming")
	if err != nil {
		return err
	}

	if err := dev.BeginStreaming(); err != nil {
		return err
	}

	e.mu.Lock()
	e.streaming = true
	e.mu.Unlock()

	return e.ledger.Append(e.clock(), LabelStreamingStarted, "", "")
}

// EndStreaming saves pending rows and records the stop. It does nothing when
// not streaming.
func (e *Experiment) EndStreaming() error {
	e.mu.Lock()
	if !e.streaming {
		e.mu.Unlock()

		return nil
	}

	e.streaming = false
	dev := e.dev
	e.mu.Unlock()

	if dev != nil {
		dev.EndStreaming()
	}

	return errors.Join(
		e.buffer.Save(),
		e.ledger.Append(e.clock(), LabelStreamingStopped, "", ""),
	)
}

// Save writes pending rows to the data file.
func (e *Experiment) Save() error {
	return e.buffer.Save()
}

// OutputPath returns the data file path.
func (e *Experiment) OutputPath() string {
	return e.buffer.Path()
}

// LedgerPath returns the params ledger path.
func (e *Experiment) LedgerPath() string {
	return e.ledger.Path()
}

// Relocate moves the data file and its ledger to name. name may omit the
// extension, in which case the current one is kept. It is refused while
// streaming.
func (e *Experiment) Relocate(name string, removeOld bool) (string, error) {
	if e.Streaming() {
		return e.OutputPath(), &abacus.ExperimentError{Param: "output", Err: abacus.ErrStreaming, Detail: "stop streaming first"}
	}

	dataPath, err := ringbuffer.ResolveOutput(name, filepath.Ext(e.OutputPath()))
	if err != nil {
		return e.OutputPath(), err
	}

	if err := e.buffer.Relocate(dataPath, removeOld); err != nil {
		return e.OutputPath(), err
	}

	if err := e.ledger.Relocate(ledger.PathFor(dataPath), removeOld); err != nil {
		return e.OutputPath(), err
	}

	return e.OutputPath(), nil
}

// Discard tears down the device session. Buffer, ledger and time anchor are
// kept so a new session can be attached.
func (e *Experiment) Discard() error {
	e.mu.Lock()
	dev := e.dev
	e.dev = nil
	e.streaming = false
	e.mu.Unlock()

	if dev == nil {
		return nil
	}

	return dev.Close()
}

// Attach installs a freshly opened session, closing any previous one. The
// instrument's configuration is mirrored into a new snapshot when it differs.
func (e *Experiment) Attach(dev Device) (abacus.SessionConfig, error) {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()

		return e.Config(), &abacus.CommunicationError{Op: "attach", Port: dev.Name(), Err: abacus.ErrSessionClosed}
	}

	prev := e.dev
	e.dev = dev
	e.streaming = false
	e.mu.Unlock()

	if prev != nil && prev != dev {
		_ = prev.Close()
	}

	return e.reconcile(reportedBy(dev))
}

// Finalize ends the session: it stops streaming, closes the device, writes
// every pending row and finalizes the ledger. An experiment that recorded no
// rows leaves no files behind. It is idempotent.
func (e *Experiment) Finalize() error {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()

		return nil
	}

	e.finalized = true
	e.mu.Unlock()

	streamErr := e.EndStreaming()
	discardErr := e.Discard()

	if err := e.buffer.Close(); err != nil {
		return errors.Join(streamErr, discardErr, err)
	}

	return errors.Join(streamErr, discardErr, e.ledger.Finalize(e.buffer))
}
