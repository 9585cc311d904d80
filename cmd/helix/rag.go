package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/rag"
	"github.com/normanking/helix/internal/ui"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RAG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func ragCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Build and inspect the local RAG store",
	}
	cmd.AddCommand(ragBuildCmd())
	cmd.AddCommand(ragVerifyCmd())
	cmd.AddCommand(ragDiffCmd())
	cmd.AddCommand(ragCleanupCmd())
	cmd.AddCommand(ragLockCmd())
	return cmd
}

func ragBuildCmd() *cobra.Command {
	var (
		tui  bool
		opts rag.BuildOptions
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Plan, execute and verify a build over the ingest folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, tui)
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "interactive progress view")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "rebuild every file, not just changed ones")
	cmd.Flags().BoolVar(&opts.SkipPlan, "skip-plan", false, "use the fallback plan without asking the planner model")
	cmd.Flags().BoolVar(&opts.SkipVerify, "skip-verify", false, "skip the verification phase")
	cmd.Flags().StringSliceVar(&opts.Files, "file", nil, "build only these files (relative to the ingest folder)")
	cmd.Flags().StringSliceVar(&opts.DisabledSteps, "disable", nil, "substeps to skip ("+strings.Join(rag.AllSteps, ", ")+")")
	return cmd
}

func ragVerifyCmd() *cobra.Command {
	var tui bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Grade the current store without rebuilding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(rag.BuildOptions{SkipPlan: true, SkipExecute: true}, tui)
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "interactive progress view")
	return cmd
}

func runBuild(opts rag.BuildOptions, tui bool) error {
	a, err := openApp(tui)
	if err != nil {
		return err
	}
	defer a.Close()
	if tui {
		logging.DisableConsoleOutput()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	styles := stylesFor(a)
	events := a.StartBuild(sigCtx, opts)

	var res *rag.BuildResult
	if tui {
		res, err = ui.RunBuildProgress(ctx, events, styles, cancel)
		if err != nil {
			return fmt.Errorf("progress view: %w", err)
		}
	} else {
		res = ui.StreamBuild(os.Stdout, events, styles)
	}
	if res == nil {
		return fmt.Errorf("build ended without a result")
	}

	fmt.Print(ui.RenderMarkdown(ui.BuildMarkdown(*res), styles.Theme(), 100))
	switch res.Status {
	case rag.StatusCompleted, rag.StatusUpToDate:
		return nil
	default:
		return fmt.Errorf("build %s", res.Status)
	}
}

func ragDiffCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show files changed since the last successful build",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			diff, err := a.Builder.Diff()
			if err != nil {
				return err
			}
			styles := stylesFor(a)
			fmt.Println(styles.Table([]string{"New", "Modified", "Deleted", "Unchanged"}, [][]string{{
				strconv.Itoa(len(diff.New)), strconv.Itoa(len(diff.Modified)),
				strconv.Itoa(len(diff.Deleted)), strconv.Itoa(len(diff.Unchanged)),
			}}))
			if list {
				printFiles(styles.OK.Render("+"), diff.New)
				printFiles(styles.Warn.Render("~"), diff.Modified)
				printFiles(styles.Error.Render("-"), diff.Deleted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the changed files")
	return cmd
}

func printFiles(mark string, files []string) {
	for _, f := range files {
		fmt.Println(mark, f)
	}
}

func ragCleanupCmd() *cobra.Command {
	var (
		apply   bool
		confirm bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "List or remove chunks whose source file no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			orphans, err := a.Builder.Orphans(ctx)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned chunks.")
				return nil
			}

			styles := stylesFor(a)
			rows := make([][]string, 0, len(orphans))
			for _, o := range orphans {
				level := "auto"
				if o.Level == ingestion.SafetyConfirm {
					level = "confirm"
				}
				rows = append(rows, []string{o.SourceFile, strconv.Itoa(len(o.ChunkIDs)), strconv.Itoa(o.LinkedNodes), level})
			}
			fmt.Println(styles.Table([]string{"Source", "Chunks", "Linked nodes", "Safety"}, rows))

			if !apply {
				fmt.Println(styles.Muted.Render("dry run; pass --apply to delete"))
				return nil
			}
			maxLevel := ingestion.SafetyAuto
			if confirm {
				maxLevel = ingestion.SafetyConfirm
			}
			n, err := a.Builder.Cleanup(ctx, maxLevel)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d chunks.\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete the orphaned chunks")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "also delete chunks linked to semantic nodes")
	return cmd
}

func ragLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the execution lock holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			info, held, err := a.Builder.Lock().Holder()
			if err != nil {
				return err
			}
			if !held {
				fmt.Println("Lock is free.")
				return nil
			}
			fmt.Println(stylesFor(a).KeyValues([][2]string{
				{"owner", info.Owner},
				{"pid", strconv.Itoa(info.PID)},
				{"acquired", info.AcquiredAt.Format("2006-01-02 15:04:05")},
				{"expires", info.ExpiresAt.Format("2006-01-02 15:04:05")},
			}))
			return nil
		},
	}
}
