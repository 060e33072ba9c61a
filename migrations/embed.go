// Package migrations embeds the goose SQL migrations for the record store.
package migrations

import "embed"

// FS holds the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
