package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/mcp"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVERS
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server, thermal monitor and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			if port > 0 {
				a.Config.Web.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Printf("Helix control server on :%d (Ctrl+C to stop)\n", a.Config.Web.Port)
			return a.Serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override the configured port")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the sandboxed tool host over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so no console logging.
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			logging.DisableConsoleOutput()

			srv, err := mcp.New(a.Tools, version)
			if err != nil {
				return err
			}
			return srv.ServeStdio()
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SECRETS
// ═══════════════════════════════════════════════════════════════════════════════

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys and the web password",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider>",
		Short: "Store an API key in the OS keyring (read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret("API key: ")
			if err != nil {
				return err
			}
			if err := config.StoreAPIKey(args[0], key); err != nil {
				return err
			}
			fmt.Printf("Stored %s key (%d chars).\n", args[0], len(key))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove an API key from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteAPIKey(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s key.\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "password",
		Short: "Set the control server password (read from stdin, empty disables)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			pw, err := readSecret("Password: ")
			if err != nil {
				return err
			}
			if err := a.Config.SetWebPassword(pw); err != nil {
				return err
			}
			if err := a.Config.SaveWeb(); err != nil {
				return err
			}
			fmt.Println("Password updated.")
			return nil
		},
	})
	return cmd
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
