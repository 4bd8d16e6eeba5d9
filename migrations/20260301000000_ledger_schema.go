package migrations

import (
	"context"

	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return store.CreateSchema(ctx, tx)
		})
	}, func(ctx context.Context, db *bun.DB) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return store.DropSchema(ctx, tx)
		})
	})
}
