package migrations

import "embed"

// Files exposes embedded SQL migration files. Postgres migrations live at
// the top level, SQLite variants under sqlite/.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
