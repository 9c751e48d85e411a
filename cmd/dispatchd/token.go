package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halbert/dispatch/config"
	"github.com/halbert/dispatch/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token signed with ADMIN_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.AdminJWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set")
			}

			token, err := middleware.NewHMACValidator(cfg.Auth.AdminJWTSecret, cfg.Auth.Issuer).
				IssueToken(subject, []string{middleware.RoleAdmin}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
