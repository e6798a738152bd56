// Package migrations embeds the registry schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-power/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
	database.MigrationsDir = "."
}
