// Package migrations embeds the goose SQL migrations so binaries migrate
// themselves at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
