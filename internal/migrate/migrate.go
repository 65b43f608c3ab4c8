// Package migrate keeps the run-history schema current.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/pressly/goose/v3"

	"jdeploy/db"
)

// Run applies the pending run-history migrations on conn and returns the
// resulting schema version. Each applied migration is logged; a schema that
// was already current logs only the version.
func Run(ctx context.Context, conn *sql.DB, logger *slog.Logger) (int64, error) {
	p, err := NewProvider(conn)
	if err != nil {
		return 0, err
	}

	results, err := p.Up(ctx)
	for _, r := range results {
		if r.Error != nil {
			continue
		}
		logInfo(logger, "migration_applied",
			"version", r.Source.Version,
			"file", path.Base(r.Source.Path),
			"duration_ms", r.Duration.Milliseconds())
	}
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	logInfo(logger, "schema_ready", "version", version, "applied", len(results))
	return version, nil
}

// NewProvider builds a goose provider over the migrations embedded in the
// binary. It does not touch conn until a migration method is called.
func NewProvider(conn *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, conn, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return p, nil
}

func logInfo(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Info(msg, args...)
	}
}
