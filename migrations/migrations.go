// Package migrations embeds the schema files so the server binary can run
// them at startup without a separate migration step.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
