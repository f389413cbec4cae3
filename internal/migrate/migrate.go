// Package migrate applies the embedded record store schema.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/tombstone/migrations"
)

// Up runs all pending migrations and logs the resulting schema version.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := prepare(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	ver, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return err
	}
	log.Info("schema migrated", zap.Int64("version", ver))
	return nil
}

// Pending lists migrations shipped with the binary, in apply order.
func Pending() ([]string, error) {
	if err := prepare(); err != nil {
		return nil, err
	}
	ms, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Source)
	}
	return out, nil
}

func prepare() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect("postgres")
}
