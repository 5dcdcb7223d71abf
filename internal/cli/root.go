// Package cli wires the `pml` binary's Cobra command tree (spec §6 "CLI
// surface": init, stdio, serve, add, run, remove, list, upgrade) over the
// Gateway facade. Grounded on
// liuprestin-relurpify/app/cmd/root.go's package-level cfgFile/workspace
// vars, PersistentPreRunE config resolution, and newXCmd() sibling-file
// wiring.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/rpc"
)

var (
	cfgFile   string
	workspace string

	globalCfg *config.Config
)

// exitError carries an explicit process exit code, distinct from the
// Gateway-operation-kind-derived codes rpc.ExitCode computes (spec §6 exit
// codes: 0 success, 1 generic failure, 2 config error, 3 sandbox
// timeout/panic, 4 user abort).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: 2, err: err} }

// Execute is the pml binary's entry point.
func Execute() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(rpc.ExitCode(err))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewRootCmd wires the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pml",
		Short:         "Procedural-memory execution core for a local-first MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return configError(err)
				}
				workspace = wd
			}
			if cfgFile == "" {
				if candidate := config.DefaultConfigPath(workspace); fileExists(candidate) {
					cfgFile = candidate
				}
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return configError(err)
			}
			cfg.Workspace.Root = workspace
			globalCfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory (default: current directory)")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to pml config.toml")

	root.AddCommand(
		newInitCmd(),
		newStdioCmd(),
		newServeCmd(),
		newAddCmd(),
		newRunCmd(),
		newRemoveCmd(),
		newListCmd(),
		newUpgradeCmd(),
	)
	return root
}
