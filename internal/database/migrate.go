package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies any pending schema migrations embedded in the binary.
// It uses a dedicated goose provider rather than the package-level API so
// migration state is scoped to this handle.
func Migrate(db *sql.DB) error {
	src, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goosedb.DialectSQLite3, db, src)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
