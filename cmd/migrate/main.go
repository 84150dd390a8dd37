package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var (
		dbPath         = flag.String("db", "./data/plugwatch.db", "path to the sqlite database")
		migrationsPath = flag.String("migrations", "./migrations", "path to the migration files")
		down           = flag.Bool("down", false, "roll back one migration instead of applying all")
	)
	flag.Parse()

	m, err := migrate.New("file://"+*migrationsPath, "sqlite://"+*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && err != migrate.ErrNoChange {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	version, dirty, verr := m.Version()
	if verr != nil && verr != migrate.ErrNilVersion {
		fmt.Fprintf(os.Stderr, "failed to read version: %v\n", verr)
		os.Exit(1)
	}
	fmt.Printf("database at version %d (dirty=%v)\n", version, dirty)
}
