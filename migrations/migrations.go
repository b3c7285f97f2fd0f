// Package migrations embeds the SQL schema migrations so the binaries can
// apply them without shipping a migrations directory alongside.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
