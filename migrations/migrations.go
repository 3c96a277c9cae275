// Package migrations embeds the sqlite schema migrations so the binary can
// apply them without an on-disk migrations directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
