package postgres

import (
	"embed"

	"github.com/G-Research/jobtracker/internal/common/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationsFS, "migrations")
}
