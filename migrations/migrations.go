// Package migrations embeds the SQL schema of the postgres credential store.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
