package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/normanking/helix/internal/app"
	"github.com/normanking/helix/internal/autollm"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/orchestrator"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SEND COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func sendCmd() *cobra.Command {
	var (
		session    string
		phase      string
		backend    string
		project    string
		auto       bool
		complexity string
		estimate   float64
		approve    []string
		deny       []string
		fileCount  int
		stream     bool
	)

	cmd := &cobra.Command{
		Use:   "send [prompt]",
		Short: "Route one prompt to the best backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if session == "" {
				session = "cli-" + uuid.NewString()[:8]
			}
			req := llm.Request{
				SessionID: session,
				Phase:     phase,
				Text:      strings.Join(args, " "),
				Context:   map[string]any{},
			}
			if estimate > 0 {
				req.Context["estimated_cost_usd"] = estimate
			}
			if fileCount > 0 {
				req.Context["file_count"] = fileCount
			}
			if stream {
				req.OnToken = func(tok string) { fmt.Print(tok) }
			}

			opts := app.SendOptions{
				Options: orchestrator.Options{
					ForcedBackend: backend,
					Approvals:     approvals(approve, deny),
					Project:       project,
				},
				Auto:       auto,
				Complexity: autollm.ParseComplexity(complexity),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			resp, d := a.Send(ctx, req, opts)

			styles := stylesFor(a)
			if !stream || !resp.Success {
				fmt.Println(resp.Text)
			} else {
				fmt.Println()
			}
			fmt.Fprintln(os.Stderr, styles.Muted.Render(fmt.Sprintf("%s via %s [%s] chain=%s cost=$%.4f",
				d.TaskType, finalBackend(d), d.FinalStatus, strings.Join(d.FallbackChain, ">"), d.CostUSD)))
			if !resp.Success {
				return fmt.Errorf("%s", resp.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (default: random)")
	cmd.Flags().StringVarP(&phase, "phase", "p", "", "workflow phase (plan, implement, verify, review, chat)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "force a backend")
	cmd.Flags().StringVar(&project, "project", "", "project for scoped presets")
	cmd.Flags().BoolVar(&auto, "auto", false, "let the hybrid router pick local or cloud")
	cmd.Flags().StringVar(&complexity, "complexity", "normal", "task complexity for --auto (simple, normal, complex)")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimated cost in USD for the budget pre-check")
	cmd.Flags().StringSliceVar(&approve, "approve", nil, "grant approval scopes (FS_WRITE, BULK_EDIT, GIT_WRITE, ...)")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "revoke approval scopes")
	cmd.Flags().IntVar(&fileCount, "files", 0, "number of files the task touches")
	cmd.Flags().BoolVar(&stream, "stream", false, "print tokens as they arrive")
	return cmd
}

func approvals(approve, deny []string) orchestrator.ApprovalSnapshot {
	snap := orchestrator.ApprovalSnapshot{}
	for _, s := range approve {
		snap[orchestrator.Scope(strings.ToUpper(strings.TrimSpace(s)))] = true
	}
	for _, s := range deny {
		snap[orchestrator.Scope(strings.ToUpper(strings.TrimSpace(s)))] = false
	}
	return snap
}

func finalBackend(d orchestrator.Decision) string {
	if d.FinalBackend != "" {
		return d.FinalBackend
	}
	return d.Backend
}
