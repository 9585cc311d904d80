package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/normanking/helix/internal/rag"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BUILD PROGRESS MODEL
// ═══════════════════════════════════════════════════════════════════════════════

type buildEventMsg rag.Event

type buildClosedMsg struct{}

// BuildProgress is a Bubble Tea model that follows a RAG build's event
// stream until the channel closes.
type BuildProgress struct {
	events <-chan rag.Event
	cancel context.CancelFunc
	styles Styles
	bar    progress.Model
	spin   spinner.Model

	session    string
	percent    float64
	current    *rag.Progress
	steps      []rag.StepResult
	elapsed    float64
	remaining  float64
	errors     []string
	verdict    *rag.Verdict
	result     *rag.BuildResult
	cancelling bool
	done       bool
}

// NewBuildProgress creates the model. cancel is invoked on ctrl+c; the
// model keeps draining events until the build reports completion.
func NewBuildProgress(events <-chan rag.Event, styles Styles, cancel context.CancelFunc) *BuildProgress {
	bar := progress.New(progress.WithSolidFill(styles.Theme().Primary))
	bar.Width = 50
	spin := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.Title))
	return &BuildProgress{events: events, cancel: cancel, styles: styles, bar: bar, spin: spin}
}

func (m *BuildProgress) next() tea.Msg {
	ev, ok := <-m.events
	if !ok {
		return buildClosedMsg{}
	}
	return buildEventMsg(ev)
}

// Init starts the spinner and the event pump.
func (m *BuildProgress) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.next)
}

// Update handles events, keys and resizes.
func (m *BuildProgress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-20, 10), 80)
		return m, nil

	case buildEventMsg:
		m.Apply(rag.Event(msg))
		return m, m.next

	case buildClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Apply folds one build event into the model state.
func (m *BuildProgress) Apply(ev rag.Event) {
	if ev.Session != "" {
		m.session = ev.Session
	}
	switch ev.Type {
	case rag.EventProgress:
		if ev.Percent > m.percent {
			m.percent = ev.Percent
		}
		if ev.Progress != nil {
			p := *ev.Progress
			m.current = &p
		}
	case rag.EventStepCompleted:
		if ev.Step != nil {
			m.steps = append(m.steps, *ev.Step)
		}
	case rag.EventTimeUpdated:
		m.elapsed, m.remaining = ev.Elapsed, ev.Remaining
	case rag.EventError:
		m.errors = append(m.errors, ev.Message)
	case rag.EventVerification:
		if ev.Verdict != nil {
			v := *ev.Verdict
			m.verdict = &v
		}
	case rag.EventBuildCompleted:
		m.result = ev.Result
		if ev.Success {
			m.percent = 100
		}
	}
}

// Result returns the final build result, nil until build_completed.
func (m *BuildProgress) Result() *rag.BuildResult { return m.result }

// Percent returns the overall completion percentage.
func (m *BuildProgress) Percent() float64 { return m.percent }

// View renders the current state.
func (m *BuildProgress) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.Title.Render("Helix RAG build"))
	if m.session != "" {
		b.WriteString(" " + s.Muted.Render(m.session))
	}
	b.WriteString("\n\n")

	for _, st := range m.steps {
		b.WriteString(stepLine(s, st) + "\n")
	}

	if m.result == nil {
		line := m.spin.View() + " "
		switch {
		case m.cancelling:
			line += s.Warn.Render("cancelling...")
		case m.current != nil:
			line += fmt.Sprintf("%s %d/%d", m.current.Step, m.current.Current, m.current.Total)
			if m.current.File != "" {
				line += " " + s.Muted.Render(m.current.File)
			}
		default:
			line += "planning"
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + m.bar.ViewAs(m.percent/100) + "\n")
	if m.elapsed > 0 || m.remaining > 0 {
		b.WriteString(s.Muted.Render(fmt.Sprintf("elapsed %s, remaining %s",
			seconds(m.elapsed), seconds(m.remaining))) + "\n")
	}

	for _, e := range m.errors {
		b.WriteString(s.Error.Render("error: ") + e + "\n")
	}
	if m.verdict != nil {
		b.WriteString(fmt.Sprintf("\nverification %s %.1f\n", s.Level(m.verdict.OverallVerdict), m.verdict.Score))
	}
	if m.result != nil {
		b.WriteString(fmt.Sprintf("\nbuild %s in %s\n", s.Level(m.result.Status), m.result.Duration.Round(time.Second)))
	} else {
		b.WriteString(s.Muted.Render("\nctrl+c to cancel") + "\n")
	}
	return b.String()
}

func stepLine(s Styles, st rag.StepResult) string {
	mark := s.OK.Render("✓")
	switch {
	case st.Skipped:
		mark = s.Muted.Render("-")
	case st.Aborted || !st.Success:
		mark = s.Error.Render("✗")
	}
	line := fmt.Sprintf("%s %-22s %s", mark, st.Step, s.Muted.Render(fmt.Sprintf("%d ok, %d failed, %.1fs",
		st.SuccessCount, st.FailedCount, float64(st.DurationMS)/1000)))
	if st.Error != "" {
		line += " " + s.Error.Render(st.Error)
	}
	return line
}

func seconds(v float64) string {
	return (time.Duration(v) * time.Second).Round(time.Second).String()
}

// RunBuildProgress shows the interactive view until the build finishes.
// The events channel is always drained, even when the view exits early.
func RunBuildProgress(ctx context.Context, events <-chan rag.Event, styles Styles, cancel context.CancelFunc, opts ...tea.ProgramOption) (*rag.BuildResult, error) {
	model := NewBuildProgress(events, styles, cancel)
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(model, opts...).Run()
	if bp, ok := final.(*BuildProgress); ok && bp.done {
		return bp.Result(), err
	}
	for range events {
	}
	return model.Result(), err
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLAIN STREAM
// ═══════════════════════════════════════════════════════════════════════════════

// StreamBuild prints one line per significant event for non-interactive
// terminals and returns the final result.
func StreamBuild(w io.Writer, events <-chan rag.Event, styles Styles) *rag.BuildResult {
	var result *rag.BuildResult
	for ev := range events {
		switch ev.Type {
		case rag.EventStepCompleted:
			if ev.Step != nil {
				fmt.Fprintln(w, stepLine(styles, *ev.Step))
			}
		case rag.EventError:
			fmt.Fprintln(w, styles.Error.Render("error: ")+ev.Message)
		case rag.EventVerification:
			if ev.Verdict != nil {
				fmt.Fprintf(w, "verification %s %.1f\n", styles.Level(ev.Verdict.OverallVerdict), ev.Verdict.Score)
			}
		case rag.EventBuildCompleted:
			result = ev.Result
			fmt.Fprintf(w, "build %s\n", styles.Level(ev.Status))
		}
	}
	return result
}
