// Package migrations embeds the SQL schema of the sqlite provider.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
