// Package migrations ships the versioned schema applied to every hospital
// schema by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
