package main

import (
	"fmt"

	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/spf13/cobra"
)

func recomputeCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild total_credits from the ledger",
		Long: `Replays ledger deltas and overwrites total_credits where it drifted.

Examples:
  ledgerctl recompute
  ledgerctl recompute --email someone@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if email != "" {
				res, err := e.credits.Recompute(cmd.Context(), email)
				if err != nil {
					return err
				}
				printResult(cmd, res)
				return nil
			}

			drifted, err := e.credits.RecomputeAll(cmd.Context())
			for _, res := range drifted {
				printResult(cmd, res)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d balance(s) repaired\n", len(drifted))
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "recompute a single user")
	return cmd
}

func printResult(cmd *cobra.Command, res *credits.RecomputeResult) {
	if !res.Drifted() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d (ok)\n", res.Email, res.After)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d\n", res.Email, res.Before, res.After)
}
