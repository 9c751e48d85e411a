// Command dispatchd serves the model router over HTTP and offers offline
// tools for checking routing policies and handoff budgets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/internal/observability"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "dispatchd",
		Short:        "Route prompts between an orchestrator and a specialist model",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "error",
		"log level for offline commands (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newRouteCmd(opts),
		newPolicyCmd(opts),
		newHandoffCmd(opts),
		newTokenCmd(),
	)
	return root
}

// logger builds the console logger used by offline commands.
func (o *rootOptions) logger() *zap.Logger {
	l, err := observability.NewLogger(o.logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return zap.NewNop()
	}
	return l
}
