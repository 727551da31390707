package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embedded embed.FS

func migrator(db *gorm.DB) (*goose.Provider, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectSQLite3, sqlDB, fsys)
}

// RunMigrations applies pending migrations and reports how many ran. Calling
// it on an up-to-date database is a no-op.
func RunMigrations(ctx context.Context, db *gorm.DB) (int, error) {
	p, err := migrator(db)
	if err != nil {
		return 0, err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrate: %w", err)
	}
	return len(results), nil
}

// SchemaVersion reports the applied migration version.
func SchemaVersion(ctx context.Context, db *gorm.DB) (int64, error) {
	p, err := migrator(db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
