package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/normanking/helix/internal/app"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/ui"
)

var (
	version   = "0.1.0"
	rootDir   string
	verbose   bool
	noColor   bool
	themeName string
)

func main() {
	// Launcher-only mode: another process owns the web server.
	if os.Getenv("HELIX_WEB_SERVER_ONLY") == "1" {
		os.Exit(0)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = logging.WriteCrash(app.CrashLogPath(rootDir), r)
			fmt.Fprintf(os.Stderr, "helix crashed: %v (see %s)\n", r, app.CrashLogPath(rootDir))
			os.Exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "helix",
		Short: "Helix - multi-provider AI routing and RAG workbench",
		Long: `Helix routes each request to local or cloud models by task type,
budget, policy and thermal state, and builds a local RAG store from an
ingest folder.

Send a prompt:        helix send "summarize the build log"
Build the RAG store:  helix rag build --tui
Control server:       helix serve`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.SetupColor(noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "directory holding config/, data/ and logs/")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&themeName, "theme", "", "color theme ("+joinNames(ui.ThemeNames())+")")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Helix v%s\n", version)
		},
	})

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(ragCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(thermalCmd())
	rootCmd.AddCommand(llmCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(presetsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())

	return rootCmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// openApp runs the init sequence. quiet keeps console logs off.
func openApp(quiet bool) (*app.App, error) {
	a, err := app.New(app.Options{
		Root:      rootDir,
		Version:   version,
		Verbose:   verbose,
		NoColor:   noColor,
		Quiet:     quiet,
		NATSToken: os.Getenv("HELIX_NATS_TOKEN"),
	})
	if err != nil {
		return nil, fmt.Errorf("startup: %w", err)
	}
	return a, nil
}

// stylesFor picks the --theme flag, else the dark_mode setting.
func stylesFor(a *app.App) ui.Styles {
	if themeName != "" {
		return ui.NewStyles(ui.GetTheme(themeName))
	}
	return ui.NewStyles(ui.ThemeForMode(a.Config.General.DarkMode))
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
