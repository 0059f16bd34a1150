package display

import "github.com/charmbracelet/lipgloss"

// One Dark palette.
var (
	colorFgMuted = lipgloss.Color("#636B78")
	colorRed     = lipgloss.Color("#E06C75")
	colorGreen   = lipgloss.Color("#98C379")
	colorYellow  = lipgloss.Color("#E5C07B")
	colorBlue    = lipgloss.Color("#61AFEF")
	colorMagenta = lipgloss.Color("#C678DD")
	colorCyan    = lipgloss.Color("#56B6C2")
)

type styles struct {
	detector    lipgloss.Style
	coincidence lipgloss.Style
	value       lipgloss.Style
	separator   lipgloss.Style
	spark       lipgloss.Style
	scale       lipgloss.Style
	config      lipgloss.Style
	warning     lipgloss.Style
	fault       lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		detector:    r.NewStyle().Foreground(colorBlue).Bold(true),
		coincidence: r.NewStyle().Foreground(colorMagenta).Bold(true),
		value:       r.NewStyle().Foreground(colorGreen).PaddingLeft(1),
		separator:   r.NewStyle().Foreground(colorFgMuted).Padding(0, 1),
		spark:       r.NewStyle().Foreground(colorCyan),
		scale:       r.NewStyle().Foreground(colorFgMuted).PaddingLeft(1),
		config:      r.NewStyle().Foreground(colorFgMuted),
		warning:     r.NewStyle().Foreground(colorYellow),
		fault:       r.NewStyle().Foreground(colorRed).Bold(true),
	}
}
