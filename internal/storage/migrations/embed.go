package migrations

import "embed"

// FS embeds the SQL migrations of the history database.
//
//go:embed *.sql
var FS embed.FS
