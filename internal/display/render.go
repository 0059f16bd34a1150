package display

import (
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
)

// DefaultPlotWidth is the number of most recent rows a sparkline shows.
const DefaultPlotWidth = 60

// sparkLevels are the glyphs from lowest to highest count.
var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Renderer turns rows into styled text. It is safe for concurrent use.
type Renderer struct {
	st    styles
	width int
}

// NewRenderer returns a renderer whose color profile matches w.
// A non-terminal writer gets plain text.
func NewRenderer(w io.Writer, plotWidth int) *Renderer {
	if plotWidth <= 0 {
		plotWidth = DefaultPlotWidth
	}

	return &Renderer{
		st:    newStyles(lipgloss.NewRenderer(w)),
		width: plotWidth,
	}
}

func (r *Renderer) channelStyle(topology abacus.Topology, i int) lipgloss.Style {
	if i < topology.NumDetectors() {
		return r.st.detector
	}

	return r.st.coincidence
}

// Labels renders one label per channel with the row's count, in topology order.
func (r *Renderer) Labels(topology abacus.Topology, row abacus.Row) string {
	channels := topology.Channels()
	if len(channels) == 0 || row.Width() != topology.Width() {
		return ""
	}

	parts := make([]string, 0, 2*len(channels))

	for i, id := range channels {
		if i > 0 {
			parts = append(parts, r.st.separator.Render("│"))
		}

		parts = append(parts, lipgloss.JoinHorizontal(lipgloss.Top,
			r.channelStyle(topology, i).Render(id),
			r.st.value.Render(strconv.FormatUint(row.Value(i), 10)),
		))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// Plot renders one sparkline per channel over the newest rows of window,
// followed by the channel's minimum and maximum. It returns "" for fewer than
// two rows.
func (r *Renderer) Plot(topology abacus.Topology, window []abacus.Row) string {
	if len(window) < 2 {
		return ""
	}

	if len(window) > r.width {
		window = window[len(window)-r.width:]
	}

	channels := topology.Channels()
	nameWidth := 0

	for _, id := range channels {
		nameWidth = max(nameWidth, len(id))
	}

	lines := make([]string, 0, len(channels))
	values := make([]uint64, len(window))

	for i, id := range channels {
		for j, row := range window {
			if row.Width() != topology.Width() {
				return ""
			}

			values[j] = row.Value(i)
		}

		lo, hi := bounds(values)

		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			r.channelStyle(topology, i).Width(nameWidth+1).Render(id),
			r.st.spark.Render(Sparkline(values)),
			r.st.scale.Render(strconv.FormatUint(lo, 10)+".."+strconv.FormatUint(hi, 10)),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Config renders a configuration snapshot on one line.
func (r *Renderer) Config(cfg abacus.SessionConfig) string {
	return r.st.config.Render("sampling " + strconv.Itoa(cfg.SamplingMs) + " ms, coincidence window " +
		strconv.Itoa(cfg.CoincidenceWindowNs) + " ns")
}

// Warning renders a recoverable error.
func (r *Renderer) Warning(err error) string {
	return r.st.warning.Render("warning: " + err.Error())
}

// Fault renders an error that stopped acquisition.
func (r *Renderer) Fault(err error) string {
	return r.st.fault.Render("acquisition stopped: "+err.Error()) + "\n" +
		r.st.config.Render("use 'connect' to attach the counter again")
}

// Sparkline maps values onto eight block heights, scaled between their
// minimum and maximum. Equal values draw the lowest block.
func Sparkline(values []uint64) string {
	if len(values) == 0 {
		return ""
	}

	lo, hi := bounds(values)
	top := uint64(len(sparkLevels) - 1)

	var b strings.Builder

	b.Grow(len(values) * 3)

	for _, v := range values {
		level := uint64(0)
		if hi > lo {
			level = (v - lo) * top / (hi - lo)
		}

		b.WriteRune(sparkLevels[level])
	}

	return b.String()
}

func bounds(values []uint64) (lo, hi uint64) {
	lo, hi = values[0], values[0]

	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	return lo, hi
}
