// Package migrations embeds the run history schema into the binary.
package migrations

import "embed"

// FS holds every migration file. Pass it to database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
