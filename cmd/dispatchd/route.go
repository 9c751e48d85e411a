package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/backends"
	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/services/policy"
	"github.com/halbert/dispatch/services/routing"
)

func newRouteCmd(root *rootOptions) *cobra.Command {
	var (
		policyPath       string
		taskType         string
		preferSpecialist bool
	)

	cmd := &cobra.Command{
		Use:   "route [flags] <prompt>",
		Short: "Print the routing decision for a prompt",
		Long: `Print which backend would serve a prompt under a policy, and the prompt's
complexity score. No backend is contacted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := routing.ParseTaskType(taskType)
			if err != nil {
				return err
			}

			doc, err := policy.Load(policyPath)
			if err != nil {
				return err
			}

			logger := root.logger()
			defer func() { _ = logger.Sync() }()

			router := newOfflineRouter(doc, logger)
			prompt := strings.Join(args, " ")
			ref := router.Route(routing.Task{Prompt: prompt, Type: tt, PreferSpecialist: preferSpecialist})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:    %s\n", ref)
			fmt.Fprintf(out, "complexity: %.2f\n", routing.Complexity(prompt))
			fmt.Fprintf(out, "strategy:   %s\n", doc.Routing.Strategy)
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "config/models.yaml", "routing policy document")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type (chat, code_generation, code_analysis, system_command, reasoning, quick_query)")
	cmd.Flags().BoolVar(&preferSpecialist, "prefer-specialist", false, "ask for the specialist explicitly")
	return cmd
}

// newOfflineRouter builds a router that can decide but never generate: its
// registry has no factories.
func newOfflineRouter(doc *policy.Document, logger *zap.Logger) *routing.ModelRouter {
	return routing.NewModelRouter(
		routing.PolicyFromDocument(doc),
		backends.NewRegistry(logger),
		handoff.NewEngine(handoff.Strategy(doc.Handoff.Strategy), logger),
		monitor.New(logger),
		logger,
	)
}
