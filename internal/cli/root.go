// Package cli implements modmgmtctl, the operator client of the control API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/server"
)

// Invoker runs one control operation.
type Invoker interface {
	Invoke(ctx context.Context, op modmgmt.Opcode, req any) (json.RawMessage, error)
}

// Ensure the Connect client can back the CLI
var _ Invoker = (*server.Client)(nil)

// Options are the global flags.
type Options struct {
	ServerURL  string
	Token      string
	Output     string
	Timeout    time.Duration
	ConfigFile string
}

// App holds the state shared by every command.
type App struct {
	opts      Options
	client    Invoker
	formatter Formatter
	version   string
}

// NewApp creates the CLI. A nil client is replaced by a Connect client built
// from the flags before each command runs.
func NewApp(client Invoker, version string) *App {
	return &App{client: client, version: version}
}

// RootCmd builds the command tree.
func (a *App) RootCmd() *cobra.Command {
	injected := a.client
	root := &cobra.Command{
		Use:   "modmgmtctl",
		Short: "Inspect and configure storage enclosure modules",
		Long: `modmgmtctl talks to the module management daemon of one controller.
It reports module, port, SFP and management port state and changes the
persisted port configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.formatter = NewFormatter(a.opts.Output)
			a.client = injected
			if a.client == nil {
				a.client = server.NewClient(&http.Client{Timeout: a.opts.Timeout}, a.opts.ServerURL, a.opts.Token)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.ServerURL, "server", envOr("MODMGMT_SERVER", "http://localhost:8480"), "control API base URL")
	flags.StringVar(&a.opts.Token, "token", os.Getenv("MODMGMT_TOKEN"), "bearer token")
	flags.StringVarP(&a.opts.Output, "output", "o", "json", "output format: json, yaml")
	flags.DurationVar(&a.opts.Timeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVar(&a.opts.ConfigFile, "config", "", "daemon config file, used by the token command")

	root.AddCommand(
		a.statusCmd(),
		a.moduleCmd(),
		a.portCmd(),
		a.mgmtCmd(),
		a.limitsCmd(),
		a.affinityCmd(),
		a.invokeCmd(),
		a.tokenCmd(),
		a.versionCmd(),
	)
	return root
}

// Execute runs the CLI with os.Args.
func Execute(version string) {
	if err := NewApp(nil, version).RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run invokes op and prints the result.
func (a *App) run(cmd *cobra.Command, op modmgmt.Opcode, req any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.opts.Timeout)
	defer cancel()

	raw, err := a.client.Invoke(ctx, op, req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return a.print(cmd.OutOrStdout(), raw)
}

func (a *App) print(w io.Writer, raw json.RawMessage) error {
	out, err := a.formatter.Format(raw)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
