package store

import (
	"context"
	"fmt"

	"github.com/kanbanfeed/crowbar-master-backend/internal/models"
	"github.com/uptrace/bun"
)

// CreateSchema creates every table and index the store relies on. The
// unique indexes are what make ledger inserts idempotent.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{"users", (*models.UserDB)(nil)},
		{"credits_ledger", (*models.LedgerEntryDB)(nil)},
		{"credits_history", (*models.CreditsHistoryDB)(nil)},
		{"referrals", (*models.ReferralDB)(nil)},
	}
	for _, t := range tables {
		if _, err := db.NewCreateTable().Model(t.model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.LedgerEntryDB)(nil)).
		Index("idx_credits_ledger_email_created_at").
		Column("email", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create ledger email index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.LedgerEntryDB)(nil)).
		Index("idx_credits_ledger_stripe_session_id").
		Column("stripe_session_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create ledger session index: %w", err)
	}

	// At most one crediting row per checkout session.
	_, err = db.NewCreateIndex().
		Model((*models.LedgerEntryDB)(nil)).
		Unique().
		Index("ux_credits_ledger_session_credit").
		Column("stripe_session_id").
		Where("delta >= 1 AND stripe_session_id IS NOT NULL").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create ledger session credit index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.LedgerEntryDB)(nil)).
		Index("idx_credits_ledger_email_reason").
		Column("email", "reason").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create ledger reason index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.CreditsHistoryDB)(nil)).
		Index("idx_credits_history_email_origin").
		Column("email", "origin").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create history index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.ReferralDB)(nil)).
		Index("idx_referrals_referrer_email").
		Column("referrer_email").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create referrer index: %w", err)
	}

	return nil
}

// DropSchema removes every table created by CreateSchema.
func DropSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range []interface{}{
		(*models.ReferralDB)(nil),
		(*models.CreditsHistoryDB)(nil),
		(*models.LedgerEntryDB)(nil),
		(*models.UserDB)(nil),
	} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
