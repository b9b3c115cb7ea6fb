package db

import "embed"

// MigrationFS embeds the identity-store SQL migrations. Used by the migrate
// runner (cmd/migrate) to provision the accounts/profiles schema and the
// profile change-notification trigger.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
