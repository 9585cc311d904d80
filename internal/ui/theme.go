// Package ui renders Helix output for terminals: status tables, the RAG
// verification report and the interactive build progress view.
package ui

import (
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THEME DEFINITION
// ═══════════════════════════════════════════════════════════════════════════════

// Theme is a color palette. Colors are hex strings for lipgloss.Color().
type Theme struct {
	Name string

	Foreground string
	Border     string

	Primary   string // titles, emphasis
	Secondary string // labels
	Success   string
	Warning   string
	Error     string
	Muted     string

	// GlamourStyle names the glamour standard style for markdown.
	GlamourStyle string
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUILT-IN THEMES
// ═══════════════════════════════════════════════════════════════════════════════

// ThemeDefault is a VS Code dark-inspired palette.
var ThemeDefault = Theme{
	Name:         "Default (VS Code Dark)",
	Foreground:   "#d4d4d4",
	Border:       "#3e3e42",
	Primary:      "#007acc",
	Secondary:    "#9cdcfe",
	Success:      "#4ec9b0",
	Warning:      "#dcdcaa",
	Error:        "#f48771",
	Muted:        "#6a737d",
	GlamourStyle: "dark",
}

// ThemeNord uses the Nord palette.
var ThemeNord = Theme{
	Name:         "Nord",
	Foreground:   "#eceff4", // Nord6
	Border:       "#4c566a", // Nord3
	Primary:      "#88c0d0", // Nord8
	Secondary:    "#81a1c1", // Nord9
	Success:      "#a3be8c", // Nord14
	Warning:      "#ebcb8b", // Nord13
	Error:        "#bf616a", // Nord11
	Muted:        "#4c566a",
	GlamourStyle: "dark",
}

// ThemeLight is used when dark mode is off.
var ThemeLight = Theme{
	Name:         "Light",
	Foreground:   "#1f2328",
	Border:       "#d0d7de",
	Primary:      "#0969da",
	Secondary:    "#8250df",
	Success:      "#1a7f37",
	Warning:      "#9a6700",
	Error:        "#cf222e",
	Muted:        "#6e7781",
	GlamourStyle: "light",
}

// ═══════════════════════════════════════════════════════════════════════════════
// THEME REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

var availableThemes = map[string]Theme{
	"default": ThemeDefault,
	"nord":    ThemeNord,
	"light":   ThemeLight,
}

// GetTheme retrieves a theme by ID, falling back to ThemeDefault.
func GetTheme(id string) Theme {
	if theme, ok := availableThemes[id]; ok {
		return theme
	}
	return ThemeDefault
}

// ThemeForMode maps the dark_mode setting to a theme.
func ThemeForMode(dark bool) Theme {
	if dark {
		return ThemeDefault
	}
	return ThemeLight
}

// ThemeNames returns the available theme IDs, sorted.
func ThemeNames() []string {
	names := make([]string, 0, len(availableThemes))
	for name := range availableThemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ═══════════════════════════════════════════════════════════════════════════════
// COLOR PROFILE
// ═══════════════════════════════════════════════════════════════════════════════

// SetupColor picks the lipgloss color profile. noColor, NO_COLOR or a
// non-terminal stdout force plain ASCII output.
func SetupColor(noColor bool) termenv.Profile {
	profile := termenv.EnvColorProfile()
	if noColor || os.Getenv("NO_COLOR") != "" {
		profile = termenv.Ascii
	}
	lipgloss.SetColorProfile(profile)
	return profile
}
