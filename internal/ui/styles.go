package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Styles are pre-computed lipgloss styles for one theme.
type Styles struct {
	theme Theme

	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Divider lipgloss.Style
}

// NewStyles creates the style set for theme.
func NewStyles(theme Theme) Styles {
	c := func(hex string) lipgloss.Color { return lipgloss.Color(hex) }
	return Styles{
		theme:   theme,
		Title:   lipgloss.NewStyle().Foreground(c(theme.Primary)).Bold(true),
		Label:   lipgloss.NewStyle().Foreground(c(theme.Secondary)),
		Value:   lipgloss.NewStyle().Foreground(c(theme.Foreground)),
		Muted:   lipgloss.NewStyle().Foreground(c(theme.Muted)),
		OK:      lipgloss.NewStyle().Foreground(c(theme.Success)).Bold(true),
		Warn:    lipgloss.NewStyle().Foreground(c(theme.Warning)).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(c(theme.Error)).Bold(true),
		Box:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(c(theme.Border)).Padding(0, 1),
		Header:  lipgloss.NewStyle().Foreground(c(theme.Primary)).Bold(true).Padding(0, 1),
		Cell:    lipgloss.NewStyle().Foreground(c(theme.Foreground)).Padding(0, 1),
		Divider: lipgloss.NewStyle().Foreground(c(theme.Border)),
	}
}

// Theme returns the theme the styles were built from.
func (s Styles) Theme() Theme { return s.theme }

// Level colors a status word: OK/PASS/normal green, WARNING yellow,
// anything else red.
func (s Styles) Level(level string) string {
	switch strings.ToUpper(level) {
	case "OK", "PASS", "NORMAL", "COMPLETED", "UP_TO_DATE", "IDLE", "ACTIVE":
		return s.OK.Render(level)
	case "WARNING", "WARNINGTEMP", "LOADING", "UNLOADING", "THROTTLED", "THROTTLE", "COOLINGWAIT", "BUSY", "CANCELLED":
		return s.Warn.Render(level)
	default:
		return s.Error.Render(level)
	}
}

// Table renders rows under headers with the theme's border color.
func (s Styles) Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Divider).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return s.Cell
		})
	return t.Render()
}

// KeyValues renders aligned "label  value" lines.
func (s Styles) KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s  %s\n", s.Label.Render(fmt.Sprintf("%-*s", width, p[0])), p[1])
	}
	return strings.TrimRight(b.String(), "\n")
}

// Bar renders a ratio in [0,1] as a fixed-width block bar.
func (s Styles) Bar(ratio float64, width int) string {
	if width <= 0 {
		width = 20
	}
	if ratio < 0 {
		ratio = 0
	}
	filled := int(ratio*float64(width) + 0.5)
	if filled > width {
		filled = width
	}
	style := s.OK
	switch {
	case ratio >= 1:
		style = s.Error
	case ratio >= 0.7:
		style = s.Warn
	}
	return style.Render(strings.Repeat("█", filled)) + s.Muted.Render(strings.Repeat("░", width-filled))
}
