package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zinc-sig/harness/cmd/clierr"
)

// NewRootCmd builds the harness command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "A package validation harness for C/C++ recipes",
		Long: `Harness builds and runs the test_package consumer of every recipe across
its configuration matrix and reports a pass/fail verdict per recipe.

Configurations come from each recipe's declared options: the full cross
product when it is small, a pairwise covering set when it is not.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newExpandCmd())
	rootCmd.AddCommand(newProbeCmd())
	return rootCmd
}

// Execute runs the command line and returns the process exit code.
// SIGINT and SIGTERM cancel the run.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil && !clierr.IsSilent(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return clierr.ExitCodeOf(err)
}
