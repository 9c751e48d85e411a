package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/policy"
	"github.com/halbert/dispatch/utils"
)

type handoffPreview struct {
	Prepared    *handoff.PreparedContext   `json:"prepared"`
	Formatted   []handoff.FormattedMessage `json:"formatted"`
	QualityLoss float64                    `json:"quality_loss"`
	OverBudget  bool                       `json:"over_budget"`
}

func newHandoffCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Inspect context handoff",
	}
	cmd.AddCommand(newHandoffPreviewCmd(root))
	return cmd
}

func newHandoffPreviewCmd(root *rootOptions) *cobra.Command {
	var (
		strategy    string
		maxTokens   int
		targetModel string
	)

	cmd := &cobra.Command{
		Use:   "preview [flags] <context.json>",
		Short: "Print the context a backend would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := handoff.Strategy(policy.DefaultHandoffStrategy)
			if strategy != "" {
				parsed, err := handoff.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				st = parsed
			}
			if maxTokens <= 0 {
				return fmt.Errorf("--max-tokens must be positive")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read context: %w", err)
			}
			var conversation handoff.ConversationContext
			if err := json.Unmarshal(data, &conversation); err != nil {
				return fmt.Errorf("decode context: %w", err)
			}
			if err := utils.ValidateStruct(&conversation); err != nil {
				return err
			}

			logger := root.logger()
			defer func() { _ = logger.Sync() }()

			engine := handoff.NewEngine(st, logger)
			prepared := engine.PrepareHandoff(&conversation, targetModel, maxTokens, st)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(handoffPreview{
				Prepared:    prepared,
				Formatted:   handoff.FormatForBackend(&prepared.ConversationContext),
				QualityLoss: engine.EstimateQualityLoss(&conversation, &prepared.ConversationContext),
				OverBudget:  prepared.OverBudget(),
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "handoff strategy (full, summarized, minimal, rag_enhanced)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", policy.DefaultMaxContextTokens, "token budget")
	cmd.Flags().StringVar(&targetModel, "target-model", "", "model the context is prepared for")
	return cmd
}
