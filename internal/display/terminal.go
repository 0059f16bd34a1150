package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/service/acquisition"
)

var _ acquisition.View = (*Terminal)(nil)

// Terminal is an acquisition view that writes to a terminal. Labels are
// printed as they arrive while live output is on; the plot is kept and shown
// on request so it does not flood the prompt.
type Terminal struct {
	render *Renderer

	mu     sync.Mutex
	out    io.Writer
	live   bool
	labels string
	plot   string
	config abacus.SessionConfig
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithPlotWidth sets how many recent rows a sparkline shows.
func WithPlotWidth(width int) TerminalOption {
	return func(t *Terminal) {
		t.render = NewRenderer(t.out, width)
	}
}

// WithLive sets whether labels are printed as they arrive.
func WithLive(live bool) TerminalOption {
	return func(t *Terminal) {
		t.live = live
	}
}

// NewTerminal returns a view writing to out. Live output is on by default.
func NewTerminal(out io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		out:    out,
		live:   true,
		render: NewRenderer(out, DefaultPlotWidth),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Labels implements acquisition.View.
func (t *Terminal) Labels(topology abacus.Topology, row abacus.Row) {
	text := t.render.Labels(topology, row)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.labels = text

	if t.live && text != "" {
		t.println(text)
	}
}

// Plot implements acquisition.View.
func (t *Terminal) Plot(topology abacus.Topology, window []abacus.Row) {
	text := t.render.Plot(topology, window)

	t.mu.Lock()
	defer t.mu.Unlock()

	if text != "" {
		t.plot = text
	}
}

// ConfigChanged implements acquisition.View.
func (t *Terminal) ConfigChanged(cfg abacus.SessionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cfg == t.config {
		return
	}

	t.config = cfg
	t.println(t.render.Config(cfg))
}

// Fault implements acquisition.View.
func (t *Terminal) Fault(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.println(t.render.Fault(err))
}

// Warning implements acquisition.View.
func (t *Terminal) Warning(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.println(t.render.Warning(err))
}

// SetLive turns printing of labels on or off.
func (t *Terminal) SetLive(live bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live = live
}

// SetOutput redirects the view, e.g. to a line editor's stdout.
func (t *Terminal) SetOutput(out io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.out = out
}

// LastLabels returns the newest rendered labels.
func (t *Terminal) LastLabels() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.labels
}

// LastPlot returns the newest rendered plot, or "" before two rows exist.
func (t *Terminal) LastPlot() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.plot
}

func (t *Terminal) println(text string) {
	_, _ = fmt.Fprintln(t.out, text)
}
