package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/normanking/helix/internal/rag"
)

// RenderMarkdown renders md for the terminal with the theme's glamour
// style. Plain markdown is returned when glamour fails.
func RenderMarkdown(md string, theme Theme, width int) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	if width <= 0 {
		width = 100
	}
	style := theme.GlamourStyle
	if style == "" {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// VerdictMarkdown formats a verification verdict as a markdown report.
func VerdictMarkdown(v rag.Verdict) string {
	var b strings.Builder

	source := "verifier model"
	if v.Auto {
		source = "automatic fallback"
	}
	fmt.Fprintf(&b, "# Verification: %s (%.1f / 100)\n\n", v.OverallVerdict, v.Score)
	fmt.Fprintf(&b, "_Graded by the %s._\n\n", source)

	if len(v.Criteria) > 0 {
		b.WriteString("## Criteria\n\n| Criterion | Result | Score | Note |\n|---|---|---:|---|\n")
		names := make([]string, 0, len(v.Criteria))
		for name := range v.Criteria {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := v.Criteria[name]
			result := "pass"
			if !c.Pass {
				result = "**fail**"
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f | %s |\n", name, result, c.Score, escapeCell(c.Note))
		}
		b.WriteString("\n")
	}

	if len(v.RemediationSteps) > 0 {
		b.WriteString("## Remediation\n\n")
		for i, r := range v.RemediationSteps {
			fmt.Fprintf(&b, "%d. **%s**: %s", i+1, r.TargetStep, r.Action)
			if r.Reason != "" {
				fmt.Fprintf(&b, " (%s)", r.Reason)
			}
			b.WriteString("\n")
		}
		if v.EstimatedRemediationMinutes > 0 {
			fmt.Fprintf(&b, "\nEstimated remediation time: %.0f min\n", v.EstimatedRemediationMinutes)
		}
	}
	return b.String()
}

// BuildMarkdown summarizes a finished build: diff, substeps, verification
// queries and, when present, the verdict.
func BuildMarkdown(res rag.BuildResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# RAG build %s\n\n", res.Status)
	fmt.Fprintf(&b, "- Session: `%s`\n- Duration: %s\n", res.Session, res.Duration.Round(time.Second))
	fmt.Fprintf(&b, "- Files: %d new, %d modified, %d deleted, %d unchanged\n",
		len(res.Diff.New), len(res.Diff.Modified), len(res.Diff.Deleted), len(res.Diff.Unchanged))
	if res.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", res.Error)
	}
	b.WriteString("\n")

	if res.Execution != nil && len(res.Execution.Steps) > 0 {
		b.WriteString("## Substeps\n\n| Step | Status | OK | Failed | Time |\n|---|---|---:|---:|---:|\n")
		for _, s := range res.Execution.Steps {
			fmt.Fprintf(&b, "| %s | %s | %d | %d | %.1fs |\n",
				s.Step, stepStatus(s), s.SuccessCount, s.FailedCount, float64(s.DurationMS)/1000)
		}
		b.WriteString("\n")
		if q := res.Execution.Queries; q != nil && q.QueryCount > 0 {
			fmt.Fprintf(&b, "Verification queries: %d, hit rate %.0f%%, average score %.2f\n\n", q.QueryCount, q.HitRate*100, q.AvgScore)
		}
	}

	if res.Verdict != nil {
		// Demote the verdict headings one level under the build title.
		b.WriteString(strings.ReplaceAll("\n"+VerdictMarkdown(*res.Verdict), "\n#", "\n##"))
	}
	return b.String()
}

func stepStatus(s rag.StepResult) string {
	switch {
	case s.Skipped:
		return "skipped"
	case s.Aborted:
		return "aborted"
	case s.Success:
		return "ok"
	default:
		return "failed"
	}
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
