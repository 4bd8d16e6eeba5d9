// Package migrations holds the ordered schema migrations applied by
// cmd/migrate.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
