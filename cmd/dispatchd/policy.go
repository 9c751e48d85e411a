package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/halbert/dispatch/services/policy"
	"github.com/halbert/dispatch/utils"
)

func newPolicyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect routing policy documents",
	}
	cmd.AddCommand(newPolicyValidateCmd(root))
	return cmd
}

func newPolicyValidateCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Load and validate a policy document",
		Long: `Load a YAML, JSON or TOML policy document, apply defaults for absent keys and
validate the result. Exits non-zero when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.Load(args[0])
			if err != nil {
				out := cmd.ErrOrStderr()
				fields := utils.GetValidationFields(err)
				keys := make([]string, 0, len(fields))
				for k := range fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %s: %s\n", k, fields[k])
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy OK: %s\n", args[0])
			fmt.Fprintf(out, "  orchestrator: %s on %s\n", doc.Orchestrator.Model, doc.Orchestrator.Provider)
			if doc.Specialist.Enabled {
				fmt.Fprintf(out, "  specialist:   %s on %s\n", doc.Specialist.Model, doc.Specialist.Provider)
			} else {
				fmt.Fprintln(out, "  specialist:   disabled")
			}
			fmt.Fprintf(out, "  routing:      %s (threshold %.2f)\n", doc.Routing.Strategy, doc.Routing.ComplexityThreshold)
			fmt.Fprintf(out, "  handoff:      %s, %d tokens\n", doc.Handoff.Strategy, doc.Handoff.MaxContextTokens)
			return nil
		},
	}
}
