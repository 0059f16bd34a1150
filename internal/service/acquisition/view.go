package acquisition

import "github.com/oshokin/abacus-daq/internal/domain/abacus"

// View is what the controller needs from a user interface. Every method is
// called on the scheduler loop goroutine and must return promptly.
type View interface {
	// Labels shows the newest row.
	Labels(topology abacus.Topology, row abacus.Row)
	// Plot redraws the live window, oldest row first.
	Plot(topology abacus.Topology, window []abacus.Row)
	// ConfigChanged reports a new committed configuration snapshot.
	ConfigChanged(cfg abacus.SessionConfig)
	// Fault reports that acquisition stopped and the session was discarded.
	Fault(err error)
	// Warning reports a recoverable error; acquisition continues.
	Warning(err error)
}

// nopView discards everything.
type nopView struct{}

func (nopView) Labels(abacus.Topology, abacus.Row) {}
func (nopView) Plot(abacus.Topology, []abacus.Row) {}
func (nopView) ConfigChanged(abacus.SessionConfig) {}
func (nopView) Fault(error)                        {}
func (nopView) Warning(error)                      {}
