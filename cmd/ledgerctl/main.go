package main

import (
	"fmt"
	"os"

	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/config"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/db"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate on the credit ledger",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(reconcileSessionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds what every subcommand needs. close releases the database.
type env struct {
	cfg     *config.Config
	credits *credits.Service
	catalog *billing.Catalog
	close   func()
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg := config.Load()
	bunDB := db.NewBunPostgresClient(cfg.DatabaseURL)
	if err := db.Ping(cmd.Context(), bunDB); err != nil {
		bunDB.Close()
		return nil, err
	}
	pgStore := store.NewPostgresStore(bunDB)
	return &env{
		cfg:     cfg,
		credits: credits.NewService(pgStore),
		catalog: billing.NewCatalog(cfg.Partners),
		close:   func() { pgStore.Close() },
	}, nil
}
