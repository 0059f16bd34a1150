package abacus

import (
	"fmt"
	"slices"
	"strings"
)

// TimerKind selects one of the two per-detector timers.
type TimerKind uint8

const (
	// TimerDelay shifts a detector's pulses before coincidence matching.
	TimerDelay TimerKind = iota
	// TimerSleep is the dead time after each pulse during which a detector ignores input.
	TimerSleep
)

// NumDetectorChannels is the number of physical detector inputs.
const NumDetectorChannels = 4

const (
	// DelayMinimumValue is the smallest detector delay in nanoseconds.
	DelayMinimumValue = 0
	// DelayMaximumValue is the largest detector delay in nanoseconds.
	DelayMaximumValue = 200
	// DelayStepValue is the detector delay resolution in nanoseconds.
	DelayStepValue = 5
	// DelayDefaultValue is the detector delay after power-on.
	DelayDefaultValue = 0

	// SleepMinimumValue is the smallest detector sleep time in nanoseconds.
	SleepMinimumValue = 0
	// SleepMaximumValue is the largest detector sleep time in nanoseconds.
	SleepMaximumValue = 200
	// SleepStepValue is the detector sleep time resolution in nanoseconds.
	SleepStepValue = 5
	// SleepDefaultValue is the detector sleep time after power-on.
	SleepDefaultValue = 0
)

// TimerKinds lists every timer kind in register order.
//
//nolint:gochecknoglobals // Read-only table.
var TimerKinds = []TimerKind{TimerDelay, TimerSleep}

// String returns the lowercase name used by commands and config keys.
func (k TimerKind) String() string {
	switch k {
	case TimerDelay:
		return "delay"
	case TimerSleep:
		return "sleep"
	default:
		return fmt.Sprintf("timer(%d)", uint8(k))
	}
}

// Label returns the ledger label prefix.
func (k TimerKind) Label() string {
	switch k {
	case TimerDelay:
		return "Delay"
	case TimerSleep:
		return "Sleep"
	default:
		return k.String()
	}
}

// limits returns the range and step of k.
func (k TimerKind) limits() (minimum, maximum, step int) {
	if k == TimerSleep {
		return SleepMinimumValue, SleepMaximumValue, SleepStepValue
	}

	return DelayMinimumValue, DelayMaximumValue, DelayStepValue
}

// DetectorTimers holds one timer value in nanoseconds per physical detector,
// indexed like DetectorChannels.
type DetectorTimers [NumDetectorChannels]int

// UniformTimers returns timers with every detector set to ns.
func UniformTimers(ns int) DetectorTimers {
	var t DetectorTimers
	for i := range t {
		t[i] = ns
	}

	return t
}

// DetectorIndex returns the register index of a detector channel.
func DetectorIndex(channel string) (int, error) {
	i := slices.Index(DetectorChannels, strings.ToUpper(strings.TrimSpace(channel)))
	if i < 0 {
		return 0, &ExperimentError{
			Param:  "detector",
			Err:    ErrInvalidValue,
			Detail: fmt.Sprintf("unknown detector %q, valid: %s", channel, strings.Join(DetectorChannels, ", ")),
		}
	}

	return i, nil
}

// ValidateTimer reports whether ns lies in the range of kind and on its step grid.
func ValidateTimer(kind TimerKind, ns int) error {
	minimum, maximum, step := kind.limits()
	if ns >= minimum && ns <= maximum && (ns-minimum)%step == 0 {
		return nil
	}

	return &ExperimentError{
		Param:  kind.String(),
		Value:  ns,
		Min:    minimum,
		Max:    maximum,
		Step:   step,
		Err:    ErrInvalidValue,
		Detail: fmt.Sprintf("must be a multiple of %d ns", step),
	}
}
