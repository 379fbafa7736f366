package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanpilot/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator applies embedded schema migrations in file name order.
type Migrator struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB, logger *logging.Logger) *Migrator {
	return &Migrator{db: db, logger: logging.OrDefault(logger)}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]bool, error) {
	var names []string
	if err := m.db.SelectContext(ctx, &names, `SELECT name FROM schema_migrations ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func migrationNames() ([]string, error) {
	var files []string
	err := fs.WalkDir(migrationFiles, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (m *Migrator) execute(ctx context.Context, file, name string) error {
	content, err := migrationFiles.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}
	sum := sha256.Sum256(content)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`,
		name, hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	return tx.Commit()
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	files, err := migrationNames()
	if err != nil {
		return err
	}

	for _, file := range files {
		name := strings.TrimSuffix(path.Base(file), ".sql")
		if applied[name] {
			m.logger.Debug("migration already applied", "migration", name)
			continue
		}
		if err := m.execute(ctx, file, name); err != nil {
			return err
		}
		m.logger.Info("migration applied", "migration", name)
	}
	return nil
}
