package abacus

import (
	"fmt"
	"slices"
	"strings"
)

// Row is one measurement: elapsed seconds since the session anchor followed by
// one count per detector and one count per coincidence channel.
type Row struct {
	// Elapsed is the time in seconds relative to the first poll of the session.
	Elapsed float64
	// Detectors holds counts in topology order.
	Detectors []uint64
	// Coincidences holds counts in topology order.
	Coincidences []uint64
}

// Width returns the number of columns the row occupies in the data file.
func (r Row) Width() int {
	return 1 + len(r.Detectors) + len(r.Coincidences)
}

// Clone returns a copy that shares no slices with r.
func (r Row) Clone() Row {
	return Row{
		Elapsed:      r.Elapsed,
		Detectors:    slices.Clone(r.Detectors),
		Coincidences: slices.Clone(r.Coincidences),
	}
}

// Value returns the count in column i, where column 0 is the first detector.
func (r Row) Value(i int) uint64 {
	if i < len(r.Detectors) {
		return r.Detectors[i]
	}

	return r.Coincidences[i-len(r.Detectors)]
}

// Topology is the ordered set of channels an experiment streams.
// It is fixed once streaming starts.
type Topology struct {
	// Detectors lists detector identifiers, e.g. "A", "B".
	Detectors []string `yaml:"detectors"`
	// Coincidences lists coincidence pair identifiers, e.g. "AB".
	Coincidences []string `yaml:"coincidences"`
}

// NumDetectors returns the number of detector channels.
func (t Topology) NumDetectors() int {
	return len(t.Detectors)
}

// NumCoins returns the number of coincidence channels.
func (t Topology) NumCoins() int {
	return len(t.Coincidences)
}

// Width returns the number of data file columns including the time column.
func (t Topology) Width() int {
	return 1 + t.NumDetectors() + t.NumCoins()
}

// Channels returns detector then coincidence identifiers.
func (t Topology) Channels() []string {
	channels := make([]string, 0, t.NumDetectors()+t.NumCoins())
	channels = append(channels, t.Detectors...)

	return append(channels, t.Coincidences...)
}

// Header returns the data file column titles.
func (t Topology) Header() []string {
	return append([]string{TimeColumnTitle}, t.Channels()...)
}

// Clone returns a deep copy of the topology.
func (t Topology) Clone() Topology {
	return Topology{
		Detectors:    slices.Clone(t.Detectors),
		Coincidences: slices.Clone(t.Coincidences),
	}
}

// Validate checks the topology against the instrument's channel map.
func (t Topology) Validate() error {
	if len(t.Detectors) == 0 {
		return &ExperimentError{Param: "detectors", Err: ErrInvalidTopology, Detail: "at least one detector is required"}
	}

	seen := make(map[string]struct{}, len(t.Detectors)+len(t.Coincidences))

	for _, id := range t.Detectors {
		if !slices.Contains(DetectorChannels, id) {
			return &ExperimentError{
				Param:  "detectors",
				Err:    ErrInvalidTopology,
				Detail: fmt.Sprintf("unknown detector %q, valid: %s", id, strings.Join(DetectorChannels, ", ")),
			}
		}

		if _, dup := seen[id]; dup {
			return &ExperimentError{Param: "detectors", Err: ErrInvalidTopology, Detail: fmt.Sprintf("duplicate detector %q", id)}
		}

		seen[id] = struct{}{}
	}

	for _, id := range t.Coincidences {
		if !slices.Contains(CoincidenceChannels, id) {
			return &ExperimentError{Param: "coincidences", Err: ErrInvalidTopology, Detail: fmt.Sprintf("unknown coincidence %q", id)}
		}

		if _, dup := seen[id]; dup {
			return &ExperimentError{Param: "coincidences", Err: ErrInvalidTopology, Detail: fmt.Sprintf("duplicate coincidence %q", id)}
		}

		for _, member := range id {
			if !slices.Contains(t.Detectors, string(member)) {
				return &ExperimentError{
					Param:  "coincidences",
					Err:    ErrInvalidTopology,
					Detail: fmt.Sprintf("coincidence %q uses detector %q which is not configured", id, string(member)),
				}
			}
		}

		seen[id] = struct{}{}
	}

	return nil
}

// SessionConfig is an immutable snapshot of the acquisition settings.
// Every committed change produces a new snapshot with a higher Version.
type SessionConfig struct {
	// Version increases by one on every committed change.
	Version uint64
	// SamplingMs is the poll interval, one of SamplingValues.
	SamplingMs int
	// CoincidenceWindowNs is the device coincidence window.
	CoincidenceWindowNs int
	// DelaysNs are the per-detector delays.
	DelaysNs DetectorTimers
	// SleepsNs are the per-detector sleep times.
	SleepsNs DetectorTimers
}

// WithSampling returns the next snapshot with the sampling interval replaced.
func (c SessionConfig) WithSampling(ms int) SessionConfig {
	c.Version++
	c.SamplingMs = ms

	return c
}

// WithCoincidenceWindow returns the next snapshot with the window replaced.
func (c SessionConfig) WithCoincidenceWindow(ns int) SessionConfig {
	c.Version++
	c.CoincidenceWindowNs = ns

	return c
}

// Timers returns the per-detector values of kind.
func (c SessionConfig) Timers(kind TimerKind) DetectorTimers {
	if kind == TimerSleep {
		return c.SleepsNs
	}

	return c.DelaysNs
}

// WithTimer returns the next snapshot with one detector timer replaced.
func (c SessionConfig) WithTimer(kind TimerKind, detector, ns int) SessionConfig {
	c.Version++

	if kind == TimerSleep {
		c.SleepsNs[detector] = ns
	} else {
		c.DelaysNs[detector] = ns
	}

	return c
}

// DefaultSessionConfig returns the instrument's power-on settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SamplingMs:          SamplingDefaultValue,
		CoincidenceWindowNs: CoincidenceWindowDefaultValue,
		DelaysNs:            UniformTimers(DelayDefaultValue),
		SleepsNs:            UniformTimers(SleepDefaultValue),
	}
}
