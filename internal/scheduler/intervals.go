package scheduler

import "time"

// Action identifies one of the periodic actions.
type Action uint8

const (
	// Poll reads one sample from the instrument.
	Poll Action = iota
	// PlotRefresh redraws the live window.
	PlotRefresh
	// LabelRefresh updates the latest-value labels.
	LabelRefresh
	// HealthCheck compares the instrument's configuration with the cached one.
	HealthCheck

	numActions
)

// Actions lists every action in firing order.
//
//nolint:gochecknoglobals // Read-only table.
var Actions = [numActions]Action{Poll, PlotRefresh, LabelRefresh, HealthCheck}

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Poll:
		return "poll"
	case PlotRefresh:
		return "plot refresh"
	case LabelRefresh:
		return "label refresh"
	case HealthCheck:
		return "health check"
	default:
		return "unknown"
	}
}

const (
	// DefaultPlotFloor is the shortest plot refresh interval.
	DefaultPlotFloor = 100 * time.Millisecond
	// DefaultLabelFloor is the shortest label refresh interval.
	DefaultLabelFloor = 200 * time.Millisecond
	// DefaultHealthInterval is the fixed health check interval.
	DefaultHealthInterval = time.Second
)

// Floors bounds how often the display actions may run.
type Floors struct {
	// Plot is the shortest plot refresh interval.
	Plot time.Duration
	// Label is the shortest label refresh interval.
	Label time.Duration
}

// DefaultFloors returns the floors used when none are configured.
func DefaultFloors() Floors {
	return Floors{Plot: DefaultPlotFloor, Label: DefaultLabelFloor}
}

// Intervals holds the period of every action.
type Intervals struct {
	Poll         time.Duration
	PlotRefresh  time.Duration
	LabelRefresh time.Duration
	HealthCheck  time.Duration
}

// Of returns the interval of a.
func (i Intervals) Of(a Action) time.Duration {
	switch a {
	case Poll:
		return i.Poll
	case PlotRefresh:
		return i.PlotRefresh
	case LabelRefresh:
		return i.LabelRefresh
	case HealthCheck:
		return i.HealthCheck
	default:
		return 0
	}
}

// Derive computes all intervals from the sampling interval: poll runs at the
// sampling rate, the display actions at the sampling rate but never faster
// than their floors, and the health check at its own fixed rate.
func Derive(sampling time.Duration, floors Floors, health time.Duration) Intervals {
	return Intervals{
		Poll:         sampling,
		PlotRefresh:  max(sampling, floors.Plot),
		LabelRefresh: max(sampling, floors.Label),
		HealthCheck:  health,
	}
}
