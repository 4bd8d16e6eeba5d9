package main

import (
	"encoding/json"
	"fmt"

	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/spf13/cobra"
)

func reconcileSessionCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile-session [session-id]",
		Short: "Fetch a Stripe checkout session and apply it to the ledger",
		Long: `Runs the reconciliation engine for one session outside the webhook path.
Sessions that were already applied are reported and left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			gateway := billing.NewStripeGateway(e.cfg.StripeSecretKey, e.cfg.StripeWebhookSecret)
			session, err := gateway.GetCheckoutSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "session %s: payment_status=%s email=%s\n", session.ID, session.PaymentStatus, session.CustomerEmail)
				return printJSON(cmd, session.Metadata)
			}

			outcome, err := reconcile.NewEngine(e.credits, e.catalog, nil).ProcessSession(cmd.Context(), *session, "")
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the session without applying it")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
