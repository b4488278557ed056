package pg

import "embed"

// Migrations is the SQL schema history applied by "openakita migrate". It
// ships inside the binary so deployments need no migrations directory.
//
//go:embed migrations/*.sql
var Migrations embed.FS
