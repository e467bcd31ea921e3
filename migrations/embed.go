// Package migrations embeds the SQL migration files into the binary so the
// device inventory schema can be created without files on disk.
package migrations

import "embed"

// FS holds every *.sql file in this directory, passed to
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
