package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/contactlens/backend/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		email string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <operator-id>",
		Short: "Issue an operator token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if role != auth.RoleAdmin && role != auth.RoleOperator {
				return fmt.Errorf("unknown role %q (want %s or %s)", role, auth.RoleAdmin, auth.RoleOperator)
			}
			token, err := auth.NewJWTService(secret, ttl).Generate(args[0], email, role)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Operator email claim")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "Operator role (admin or operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
