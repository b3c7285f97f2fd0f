package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/perimetra/perimetra/internal/database"
)

// Schema management CLI. Migrations ship embedded in the binary, so no
// migrations directory is needed wherever this runs.
//
//	migrate up              apply all pending migrations
//	migrate down [n]        roll back n migrations (default 1)
//	migrate version         print the current schema version
//	migrate force <v>       set the schema version without running anything
//	migrate drop            drop everything in the database
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable is required")
	}
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "up":
		if err := database.RunMigrations(databaseURL); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}

	case "down":
		steps := 1
		if len(os.Args) > 2 {
			parsed, err := strconv.Atoi(os.Args[2])
			if err != nil || parsed < 1 {
				log.Fatal().Str("steps", os.Args[2]).Msg("Step count must be a positive integer")
			}
			steps = parsed
		}
		if err := database.RollbackMigrations(databaseURL, steps); err != nil {
			log.Fatal().Err(err).Msg("Rollback failed")
		}

	case "version":
		m := mustMigrator(databaseURL)
		defer m.Close()
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("No migrations have been applied yet")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read schema version")
		}
		log.Info().
			Uint("version", version).
			Bool("dirty", dirty).
			Msg("Current schema version")

	case "force":
		if len(os.Args) < 3 {
			usage()
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal().Str("version", os.Args[2]).Msg("Version must be an integer")
		}
		m := mustMigrator(databaseURL)
		defer m.Close()
		if err := m.Force(version); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
		log.Info().Int("version", version).Msg("Schema version forced")

	case "drop":
		m := mustMigrator(databaseURL)
		defer m.Close()
		if err := m.Drop(); err != nil {
			log.Fatal().Err(err).Msg("Drop failed")
		}
		log.Info().Msg("Database dropped")

	default:
		usage()
	}
}

func mustMigrator(databaseURL string) *migrate.Migrate {
	m, err := database.NewMigrator(databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize migrator")
	}
	return m
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down [n]|version|force <v>|drop>")
	os.Exit(2)
}
