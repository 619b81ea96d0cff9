// Package migrations embeds the sqlite schema migrations for the courier store.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
