package main

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/helix/internal/models"
	"github.com/normanking/helix/internal/orchestrator"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BUDGET
// ═══════════════════════════════════════════════════════════════════════════════

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show or reset session and daily spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.Budget.Status()
			styles := stylesFor(a)
			fmt.Println(styles.Title.Render("Budget"))
			fmt.Println(styles.KeyValues([][2]string{
				{"level", styles.Level(st.Level)},
				{"session", fmt.Sprintf("%s $%.4f / $%.2f", styles.Bar(st.SessionRatio, 20), st.SessionCost, st.SessionBudget)},
				{"daily", fmt.Sprintf("%s $%.4f / $%.2f", styles.Bar(st.DailyRatio, 20), st.DailyCost, st.DailyBudget)},
				{"day", st.Day},
			}))
			return nil
		},
	}

	var scope string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Zero the session or daily counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			switch scope {
			case "session":
				a.Budget.ResetSession()
			case "daily":
				a.Budget.ResetDaily()
			default:
				return fmt.Errorf("unknown scope %q (session, daily)", scope)
			}
			fmt.Printf("Reset %s spend.\n", scope)
			return nil
		},
	}
	reset.Flags().StringVar(&scope, "scope", "session", "session or daily")
	cmd.AddCommand(reset)
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS AND DECISIONS
// ═══════════════════════════════════════════════════════════════════════════════

func metricsCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarize recorded calls for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return fmt.Errorf("--session is required")
			}
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Usage.Summarize(session)
			if err != nil {
				return err
			}
			styles := stylesFor(a)
			fmt.Println(styles.KeyValues([][2]string{
				{"calls", strconv.Itoa(sum.Calls)},
				{"successes", strconv.Itoa(sum.Successes)},
				{"failures", strconv.Itoa(sum.Failures)},
				{"tokens", strconv.Itoa(sum.TotalTokens)},
				{"cost", fmt.Sprintf("$%.4f", sum.TotalCost)},
				{"duration", (time.Duration(sum.TotalDurationMS) * time.Millisecond).String()},
			}))
			if len(sum.ByBackend) == 0 {
				return nil
			}

			names := make([]string, 0, len(sum.ByBackend))
			for n := range sum.ByBackend {
				names = append(names, n)
			}
			sort.Strings(names)
			rows := make([][]string, 0, len(names))
			for _, n := range names {
				b := sum.ByBackend[n]
				rows = append(rows, []string{n, strconv.Itoa(b.Calls), strconv.Itoa(b.Failures), fmt.Sprintf("$%.4f", b.Cost)})
			}
			fmt.Println(styles.Table([]string{"Backend", "Calls", "Failures", "Cost"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id")
	return cmd
}

func decisionsCmd() *cobra.Command {
	var (
		limit   int
		session string
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List routing decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			var ds []orchestrator.Decision
			if session != "" {
				ds, err = a.Decisions.BySession(session)
				if len(ds) > limit {
					ds = ds[len(ds)-limit:]
				}
			} else {
				ds, err = a.Decisions.Recent(limit)
			}
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(ds))
			for _, d := range ds {
				rows = append(rows, []string{
					d.Timestamp.Local().Format("01-02 15:04:05"),
					d.SessionID,
					d.TaskType,
					finalBackend(d),
					string(d.FinalStatus),
					strings.Join(d.FallbackChain, ">"),
					fmt.Sprintf("$%.4f", d.CostUSD),
				})
			}
			fmt.Println(stylesFor(a).Table([]string{"Time", "Session", "Task", "Backend", "Status", "Chain", "Cost"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions")
	cmd.Flags().StringVarP(&session, "session", "s", "", "only this session")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// THERMAL AND LOCAL LLM
// ═══════════════════════════════════════════════════════════════════════════════

func thermalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thermal",
		Short: "Sample device temperatures once and print fan advice",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			r := a.Thermal.Sample(ctx)

			styles := stylesFor(a)
			rows := make([][]string, 0, len(r.Samples))
			for _, s := range r.Samples {
				rows = append(rows, []string{
					s.Device, string(s.Kind),
					fmt.Sprintf("%.1f°C", s.TempC),
					fmt.Sprintf("%.0f%%", s.UtilPct),
					styles.Level(string(s.Level)),
				})
			}
			fmt.Println(styles.Table([]string{"Device", "Kind", "Temp", "Util", "Level"}, rows))
			for _, e := range r.Errors {
				fmt.Println(styles.Warn.Render("! " + e))
			}
			fmt.Println(styles.KeyValues([][2]string{{"policy", string(a.ThermalPolicy.State())}}))

			for _, rec := range a.ThermalPolicy.Recommend(r) {
				fmt.Printf("%s fan %d%%", styles.Label.Render(rec.Device), rec.SpeedPct)
				if rec.Note != "" {
					fmt.Print(styles.Muted.Render("  " + rec.Note))
				}
				fmt.Println()
				for _, c := range rec.Commands {
					fmt.Println("   ", c)
				}
			}
			return nil
		},
	}
}

func llmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Local model lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.LLM.Status()
			pairs := [][2]string{
				{"state", string(st.State)},
				{"model", st.Model},
				{"idle timeout", strconv.Itoa(st.IdleTimeout) + "s"},
			}
			if !st.LastUse.IsZero() {
				pairs = append(pairs, [2]string{"last use", st.LastUse.Local().Format(time.DateTime)})
			}
			if st.LastError != "" {
				pairs = append(pairs, [2]string{"last error", st.LastError})
			}
			fmt.Println(stylesFor(a).KeyValues(pairs))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "load [model]",
		Short: "Load a model into the local daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			model := a.Config.General.LocalLLM.DefaultModel
			if len(args) == 1 {
				model = args[0]
			}
			if err := a.LLM.Load(cmd.Context(), model); err != nil {
				return err
			}
			fmt.Printf("Loaded %s.\n", model)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unload",
		Short: "Unload the resident model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.LLM.Unload(cmd.Context(), "cli"); err != nil {
				return err
			}
			fmt.Println("Unloaded.")
			return nil
		},
	})
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS AND PRESETS
// ═══════════════════════════════════════════════════════════════════════════════

func modelsCmd() *cobra.Command {
	var (
		source string
		domain string
		tag    string
	)
	cmd := &cobra.Command{
		Use:   "models [query]",
		Short: "List or fuzzy-search known models",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			var ms []models.ModelMetadata
			if len(args) == 1 {
				ms = a.Models.Search(args[0])
			} else {
				ms = a.Models.List(models.Filter{
					Source: models.Source(source),
					Domain: models.Domain(domain),
					Tag:    tag,
				})
			}

			rows := make([][]string, 0, len(ms))
			for _, m := range ms {
				rows = append(rows, []string{
					m.ID, string(m.Source), string(m.Domain),
					strconv.Itoa(m.ContextLength),
					fmt.Sprintf("$%.4f / $%.4f", m.InputCostPer1K, m.OutputCostPer1K),
					strings.Join(m.Tags, ","),
				})
			}
			fmt.Println(stylesFor(a).Table([]string{"ID", "Source", "Domain", "Context", "In/Out per 1K", "Tags"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "filter by source (local, anthropic, gemini, openai)")
	cmd.Flags().StringVar(&domain, "domain", "", "filter by domain")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	return cmd
}

func presetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List routing presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			styles := stylesFor(a)
			active := a.Config.General.ActivePreset
			rows := [][]string{}
			for _, p := range a.Presets.List() {
				mark := ""
				if p.Name == active {
					mark = styles.OK.Render("*")
				}
				pairs := make([]string, 0, len(p.Mapping))
				for t, b := range p.Mapping {
					pairs = append(pairs, string(t)+"="+b)
				}
				slices.Sort(pairs)
				rows = append(rows, []string{mark, p.Name, p.Project, strings.Join(pairs, " ")})
			}
			fmt.Println(styles.Table([]string{"", "Name", "Project", "Mapping"}, rows))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "use [name]",
		Short: "Activate a preset (no name clears it)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := a.Presets.Activate(name); err != nil {
				return err
			}
			if err := a.Presets.Save(); err != nil {
				return err
			}
			a.Config.General.ActivePreset = name
			if err := a.Config.SaveGeneral(); err != nil {
				return err
			}
			if name == "" {
				fmt.Println("Cleared active preset.")
			} else {
				fmt.Printf("Active preset: %s\n", name)
			}
			return nil
		},
	})
	return cmd
}
