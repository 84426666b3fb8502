// Package db embeds the SQL schema applied on startup.
package db

import _ "embed"

// Schema holds the DDL for the catalog, discount code, usage ledger
// and API key tables. RunMigrations executes it verbatim; every
// statement is idempotent (CREATE ... IF NOT EXISTS).
//
//go:embed migrations/001_schema.sql
var Schema string
