package database

import _ "embed"

// Schema is the full schema produced by the migrations. Tests apply it to
// in-memory databases instead of running the migrator.
//
//go:embed sqlc/schema.sql
var Schema string
