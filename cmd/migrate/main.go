// Applies the SQL migrations in migrations/ against DATABASE_URL.
// Usage: migrate [up|down|version]
package main

import (
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/gatehouse-io/gatehouse/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	log := logger.Setup(os.Getenv("APP_ENV"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Error("database_url_missing")
		os.Exit(1)
	}

	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		log.Error("migrate_init_failed", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil {
			log.Error("migrate_version_failed", "error", verr)
			os.Exit(1)
		}
		log.Info("migration_version", "version", v, "dirty", dirty)
		return
	default:
		log.Error("unknown_command", "command", cmd)
		os.Exit(1)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("migrations_no_change")
		return
	}
	if err != nil {
		log.Error("migrate_failed", "command", cmd, "error", err)
		os.Exit(1)
	}
	log.Info("migrations_applied", "command", cmd)
}
