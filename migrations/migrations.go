// Package migrations embeds the goose SQL migrations so they ship
// inside the binary and run at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
