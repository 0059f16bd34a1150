package abacus

import (
	"fmt"
	"slices"
)

const (
	// TimeColumnTitle is the first data file column.
	TimeColumnTitle = "Time (s)"

	// SamplingDefaultValue is the sampling interval in milliseconds after power-on.
	SamplingDefaultValue = 500

	// CoincidenceWindowMinimumValue is the smallest coincidence window in nanoseconds.
	CoincidenceWindowMinimumValue = 5
	// CoincidenceWindowMaximumValue is the largest coincidence window in nanoseconds.
	CoincidenceWindowMaximumValue = 50000
	// CoincidenceWindowStepValue is the coincidence window resolution in nanoseconds.
	CoincidenceWindowStepValue = 5
	// CoincidenceWindowDefaultValue is the coincidence window after power-on.
	CoincidenceWindowDefaultValue = 10
)

//nolint:gochecknoglobals // Instrument tables are read-only.
var (
	// SamplingValues is the set of sampling intervals in milliseconds the instrument accepts.
	SamplingValues = []int{
		1, 2, 5, 10, 20, 50, 100, 200, 500,
		1000, 2000, 5000, 10000, 20000, 50000,
		100000, 200000, 500000, 1000000,
	}

	// DetectorChannels lists the instrument's physical inputs in register order.
	DetectorChannels = []string{"A", "B", "C", "D"}

	// CoincidenceChannels lists the two-fold coincidence counters in register order.
	CoincidenceChannels = []string{"AB", "AC", "AD", "BC", "BD", "CD"}
)

// ValidateSampling reports whether ms belongs to SamplingValues.
func ValidateSampling(ms int) error {
	if slices.Contains(SamplingValues, ms) {
		return nil
	}

	return &ExperimentError{
		Param:   "sampling",
		Value:   ms,
		Allowed: slices.Clone(SamplingValues),
		Err:     ErrInvalidValue,
	}
}

// ValidateCoincidenceWindow reports whether ns lies in range and on the step grid.
func ValidateCoincidenceWindow(ns int) error {
	if ns >= CoincidenceWindowMinimumValue &&
		ns <= CoincidenceWindowMaximumValue &&
		(ns-CoincidenceWindowMinimumValue)%CoincidenceWindowStepValue == 0 {
		return nil
	}

	return &ExperimentError{
		Param:  "coincidence window",
		Value:  ns,
		Min:    CoincidenceWindowMinimumValue,
		Max:    CoincidenceWindowMaximumValue,
		Step:   CoincidenceWindowStepValue,
		Err:    ErrInvalidValue,
		Detail: fmt.Sprintf("must be a multiple of %d ns", CoincidenceWindowStepValue),
	}
}

// FormatSampling renders a sampling interval the way the instrument panel does: "500 ms", "2 s".
func FormatSampling(ms int) string {
	if ms < 1000 {
		return fmt.Sprintf("%d ms", ms)
	}

	return fmt.Sprintf("%d s", ms/1000)
}
