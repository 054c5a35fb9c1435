package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rentd/internal/middleware"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		scope string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <tenant-id>",
		Short: "Issue an API token for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := strings.TrimSpace(args[0])
			if tenant == "" {
				return errors.New("tenant id is empty")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			tok, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), tenant, scope, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope id (empty: all scopes of the tenant)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
