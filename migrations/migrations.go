// Package migrations carries the ordered SQL schema files the storage
// migration runner applies on postgres.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
