package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/abacus-daq/internal/device/protocol"
	"github.com/oshokin/abacus-daq/internal/domain/abacus"
)

// State is the lifecycle state of a session.
type State uint8

const (
	// StateDisconnected means the session holds no port.
	StateDisconnected State = iota
	// StateConnected means the port is open and the instrument answered.
	StateConnected
	// StateStreaming means acquisition is running on this session.
	StateStreaming
	// StateFaulted means the port failed; the session must be closed.
	StateFaulted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateFaulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Reading is one counter poll.
type Reading struct {
	// At is the host time the response arrived.
	At time.Time
	// Counts maps counter channel names to their values.
	Counts map[string]uint64
}

// Select returns the counts of channels in order.
func (r Reading) Select(channels []string) []uint64 {
	values := make([]uint64, len(channels))
	for i, ch := range channels {
		values[i] = r.Counts[ch]
	}

	return values
}

// Divergence compares the cached configuration with the one the instrument reports.
type Divergence struct {
	// CachedSamplingMs is the sampling interval the session believed was set.
	CachedSamplingMs int
	// DeviceSamplingMs is the sampling interval the instrument reports.
	DeviceSamplingMs int
	// CachedCoincidenceWindowNs is the window the session believed was set.
	CachedCoincidenceWindowNs int
	// DeviceCoincidenceWindowNs is the window the instrument reports.
	DeviceCoincidenceWindowNs int
	// CachedDelaysNs are the detector delays the session believed were set.
	CachedDelaysNs abacus.DetectorTimers
	// DeviceDelaysNs are the detector delays the instrument reports.
	DeviceDelaysNs abacus.DetectorTimers
	// CachedSleepsNs are the detector sleep times the session believed were set.
	CachedSleepsNs abacus.DetectorTimers
	// DeviceSleepsNs are the detector sleep times the instrument reports.
	DeviceSleepsNs abacus.DetectorTimers
}

// Sampling reports whether the sampling interval diverged.
func (d Divergence) Sampling() bool {
	return d.CachedSamplingMs != d.DeviceSamplingMs
}

// CoincidenceWindow reports whether the coincidence window diverged.
func (d Divergence) CoincidenceWindow() bool {
	return d.CachedCoincidenceWindowNs != d.DeviceCoincidenceWindowNs
}

// Timers reports whether any detector delay or sleep time diverged.
func (d Divergence) Timers() bool {
	return d.CachedDelaysNs != d.DeviceDelaysNs || d.CachedSleepsNs != d.DeviceSleepsNs
}

// Any reports whether anything diverged.
func (d Divergence) Any() bool {
	return d.Sampling() || d.CoincidenceWindow() || d.Timers()
}

// Reported returns the configuration the instrument reports.
func (d Divergence) Reported() abacus.SessionConfig {
	return abacus.SessionConfig{
		SamplingMs:          d.DeviceSamplingMs,
		CoincidenceWindowNs: d.DeviceCoincidenceWindowNs,
		DelaysNs:            d.DeviceDelaysNs,
		SleepsNs:            d.DeviceSleepsNs,
	}
}

// Session is an open request/response session with one counter.
// It is safe for concurrent use; exchanges are serialized.
type Session struct {
	// name is the port identifier.
	name string
	// opts holds the settings the session was opened with.
	opts options

	// mu serializes exchanges and guards the fields below.
	mu sync.Mutex
	// port is the transport; nil once closed.
	port Port
	// state is the lifecycle state.
	state State
	// samplingMs is the cached copy of the instrument's sampling interval.
	samplingMs int
	// coincidenceWindowNs is the cached copy of the instrument's window.
	coincidenceWindowNs int
	// delaysNs is the cached copy of the detector delays.
	delaysNs abacus.DetectorTimers
	// sleepsNs is the cached copy of the detector sleep times.
	sleepsNs abacus.DetectorTimers
}

// Open opens the named port and verifies that a counter answers on it.
// On any failure the port is closed and a *abacus.CommunicationError returned.
func Open(ctx context.Context, name string, opts ...Option) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &abacus.CommunicationError{Op: "open", Port: name, Err: err}
	}

	o := newOptions(opts)

	port, err := o.opener(name, o.baudRate)
	if err != nil {
		return nil, &abacus.CommunicationError{Op: "open", Port: name, Err: err}
	}

	s := &Session{
		name:  name,
		opts:  o,
		port:  port,
		state: StateConnected,
	}

	if err := s.handshake(); err != nil {
		_ = port.Close()

		return nil, err
	}

	return s, nil
}

// handshake sets the read timeout, checks identity and loads the configuration.
func (s *Session) handshake() error {
	if err := s.port.SetReadTimeout(s.opts.timeout); err != nil {
		return &abacus.CommunicationError{Op: "set read timeout", Port: s.name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdentityLocked(); err != nil {
		return err
	}

	values, err := s.exchangeLocked("read configuration", protocol.EncodeRead(protocol.RegSampling, 2), 2)
	if err != nil {
		return err
	}

	delays, sleeps, err := s.readTimersLocked("read detector timers")
	if err != nil {
		return err
	}

	s.samplingMs = int(values[0])
	s.coincidenceWindowNs = int(values[1])
	s.delaysNs = delays
	s.sleepsNs = sleeps

	return nil
}

// timerBase returns the first register of kind.
func timerBase(kind abacus.TimerKind) byte {
	if kind == abacus.TimerSleep {
		return protocol.RegSleepBase
	}

	return protocol.RegDelayBase
}

// readTimersLocked reads the delay and sleep registers of every detector.
// Caller holds s.mu.
func (s *Session) readTimersLocked(op string) (abacus.DetectorTimers, abacus.DetectorTimers, error) {
	var timers [2]abacus.DetectorTimers

	for i, kind := range abacus.TimerKinds {
		values, err := s.exchangeLocked(op, protocol.EncodeRead(timerBase(kind), protocol.DetectorRegisters), protocol.DetectorRegisters)
		if err != nil {
			return abacus.DetectorTimers{}, abacus.DetectorTimers{}, err
		}

		for j := range timers[i] {
			timers[i][j] = int(values[j])
		}
	}

	return timers[0], timers[1], nil
}

// Identify opens name, tests it and closes it again. It is used to filter
// discovery candidates and never changes the instrument's configuration.
func Identify(name string, opts ...Option) bool {
	o := newOptions(opts)

	port, err := o.opener(name, o.baudRate)
	if err != nil {
		return false
	}

	defer func() {
		_ = port.Close()
	}()

	if err := port.SetReadTimeout(o.timeout); err != nil {
		return false
	}

	s := &Session{name: name, opts: o, port: port, state: StateConnected}

	return s.Test()
}

// Name returns the port identifier.
func (s *Session) Name() string {
	return s.name
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Test reports whether the instrument answers the identity query.
// It reads only and leaves both the instrument and the session state unchanged.
func (s *Session) Test() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil || s.state == StateFaulted {
		return false
	}

	prev := s.state

	err := s.checkIdentityLocked()
	if s.state != StateFaulted {
		s.state = prev
	}

	return err == nil
}

// checkIdentityLocked reads the identity register. Caller holds s.mu.
func (s *Session) checkIdentityLocked() error {
	values, err := s.exchangeLocked("identify", protocol.EncodeRead(protocol.RegIdentity, 1), 1)
	if err != nil {
		return err
	}

	if values[0] != protocol.Identity {
		return &abacus.CommunicationError{
			Op:   "identify",
			Port: s.name,
			Err:  fmt.Errorf("%w: identity 0x%08X", abacus.ErrNotDevice, values[0]),
		}
	}

	return nil
}

// Sampling returns the cached sampling interval in milliseconds.
func (s *Session) Sampling() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.samplingMs
}

// CoincidenceWindow returns the cached coincidence window in nanoseconds.
func (s *Session) CoincidenceWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.coincidenceWindowNs
}

// SetSampling writes the sampling interval. Values outside the supported set
// fail with *abacus.ExperimentError before anything is sent.
func (s *Session) SetSampling(ms int) error {
	if err := abacus.ValidateSampling(ms); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked("set sampling", protocol.RegSampling, ms); err != nil {
		return err
	}

	s.samplingMs = ms

	return nil
}

// SetCoincidenceWindow writes the coincidence window. Values off the range or
// step grid fail with *abacus.ExperimentError before anything is sent.
func (s *Session) SetCoincidenceWindow(ns int) error {
	if err := abacus.ValidateCoincidenceWindow(ns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked("set coincidence window", protocol.RegCoincidenceWindow, ns); err != nil {
		return err
	}

	s.coincidenceWindowNs = ns

	return nil
}

// Timers returns the cached per-detector values of kind.
func (s *Session) Timers(kind abacus.TimerKind) abacus.DetectorTimers {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == abacus.TimerSleep {
		return s.sleepsNs
	}

	return s.delaysNs
}

// SetTimer writes one detector's delay or sleep time. Unknown channels and
// values off the range or step grid fail with *abacus.ExperimentError before
// anything is sent.
func (s *Session) SetTimer(kind abacus.TimerKind, channel string, ns int) error {
	detector, err := abacus.DetectorIndex(channel)
	if err != nil {
		return err
	}

	if err := abacus.ValidateTimer(kind, ns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := fmt.Sprintf("set %s %s", kind, abacus.DetectorChannels[detector])
	if err := s.writeLocked(op, timerBase(kind)+byte(detector), ns); err != nil { //nolint:gosec // Index below NumDetectorChannels.
		return err
	}

	if kind == abacus.TimerSleep {
		s.sleepsNs[detector] = ns
	} else {
		s.delaysNs[detector] = ns
	}

	return nil
}

// writeLocked writes one register and checks the acknowledged value. Caller holds s.mu.
func (s *Session) writeLocked(op string, addr byte, value int) error {
	values, err := s.exchangeLocked(op, protocol.EncodeWrite(addr, uint32(value)), 1) //nolint:gosec // Validated range.
	if err != nil {
		return err
	}

	if int(values[0]) != value {
		return &abacus.CommunicationError{
			Op:        op,
			Port:      s.name,
			Transient: true,
			Err:       fmt.Errorf("%w: acknowledged %d, sent %d", abacus.ErrCorruptFrame, values[0], value),
		}
	}

	return nil
}

// PeriodicCheck reads the instrument's configuration and compares it with the
// cached copy. The instrument is authoritative: on divergence the cache is
// updated to match and nothing is written back.
func (s *Session) PeriodicCheck() (Divergence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.exchangeLocked("periodic check", protocol.EncodeRead(protocol.RegSampling, 2), 2)
	if err != nil {
		return Divergence{}, err
	}

	delays, sleeps, err := s.readTimersLocked("periodic check")
	if err != nil {
		return Divergence{}, err
	}

	d := Divergence{
		CachedSamplingMs:          s.samplingMs,
		DeviceSamplingMs:          int(values[0]),
		CachedCoincidenceWindowNs: s.coincidenceWindowNs,
		DeviceCoincidenceWindowNs: int(values[1]),
		CachedDelaysNs:            s.delaysNs,
		DeviceDelaysNs:            delays,
		CachedSleepsNs:            s.sleepsNs,
		DeviceSleepsNs:            sleeps,
	}

	s.samplingMs = d.DeviceSamplingMs
	s.coincidenceWindowNs = d.DeviceCoincidenceWindowNs
	s.delaysNs = delays
	s.sleepsNs = sleeps

	return d, nil
}

// CurrentValues performs one blocking counter poll.
func (s *Session) CurrentValues() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := len(protocol.CounterChannels)

	values, err := s.exchangeLocked("read counters", protocol.EncodeRead(protocol.RegCountersBase, channels), channels)
	if err != nil {
		return Reading{}, err
	}

	counts := make(map[string]uint64, channels)
	for i, ch := range protocol.CounterChannels {
		counts[ch] = uint64(values[i])
	}

	return Reading{At: s.opts.clock(), Counts: counts}, nil
}

// BeginStreaming marks the session as streaming.
func (s *Session) BeginStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil || s.state == StateFaulted {
		return s.closedErrorLocked("begin streaming")
	}

	s.state = StateStreaming

	return nil
}

// EndStreaming returns a streaming session to connected.
func (s *Session) EndStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		s.state = StateConnected
	}
}

// Close releases the port. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}

	err := s.port.Close()
	s.port = nil
	s.state = StateDisconnected

	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}

	return nil
}

// closedErrorLocked builds the error returned by operations on an unusable session.
func (s *Session) closedErrorLocked(op string) error {
	return &abacus.CommunicationError{Op: op, Port: s.name, Err: abacus.ErrSessionClosed}
}

// exchangeLocked sends req and reads a response carrying registers values.
// Caller holds s.mu.
func (s *Session) exchangeLocked(op string, req []byte, registers int) ([]uint32, error) {
	if s.port == nil || s.state == StateFaulted {
		return nil, s.closedErrorLocked(op)
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, s.faultLocked(op, err)
	}

	if n, err := s.port.Write(req); err != nil || n != len(req) {
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(req))
		}

		return nil, s.faultLocked(op, err)
	}

	deadline := time.Now().Add(s.opts.timeout)

	header := make([]byte, protocol.HeaderSize)
	if err := s.readFullLocked(header, deadline); err != nil {
		return nil, s.wrapReadLocked(op, err)
	}

	rest, err := protocol.CheckHeader(header, registers)
	if err != nil {
		return nil, &abacus.CommunicationError{Op: op, Port: s.name, Transient: true, Err: errors.Join(abacus.ErrCorruptFrame, err)}
	}

	body := make([]byte, rest)
	if err := s.readFullLocked(body, deadline); err != nil {
		return nil, s.wrapReadLocked(op, err)
	}

	values, err := protocol.DecodeBody(body)
	if err != nil {
		return nil, &abacus.CommunicationError{Op: op, Port: s.name, Transient: true, Err: errors.Join(abacus.ErrCorruptFrame, err)}
	}

	return values, nil
}

// readFullLocked fills buf or fails with abacus.ErrTimeout once a read times
// out or the exchange deadline passes. Port errors are returned as is.
func (s *Session) readFullLocked(buf []byte, deadline time.Time) error {
	for got := 0; got < len(buf); {
		n, err := s.port.Read(buf[got:])
		if err != nil {
			return err
		}

		if n == 0 || (got+n < len(buf) && time.Now().After(deadline)) {
			return abacus.ErrTimeout
		}

		got += n
	}

	return nil
}

// wrapReadLocked classifies a read failure.
func (s *Session) wrapReadLocked(op string, err error) error {
	if errors.Is(err, abacus.ErrTimeout) {
		return &abacus.CommunicationError{Op: op, Port: s.name, Transient: true, Err: err}
	}

	return s.faultLocked(op, err)
}

// faultLocked moves the session to StateFaulted and returns a fatal error.
func (s *Session) faultLocked(op string, err error) error {
	s.state = StateFaulted

	return &abacus.CommunicationError{Op: op, Port: s.name, Err: errors.Join(abacus.ErrPortLost, err)}
}
