package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"weather-ingest/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change. Down may be empty.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationState reports whether a migration has been applied.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
}

// LoadMigrations reads the embedded NNN_description.{up,down}.sql files in version order.
func LoadMigrations() ([]Migration, error) {
	return loadMigrations(migrationFiles, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		base := strings.TrimSuffix(name, ".sql")
		direction := path.Ext(base)
		base = strings.TrimSuffix(base, direction)
		if direction != ".up" && direction != ".down" {
			return nil, fmt.Errorf("migration %s: expected .up.sql or .down.sql", name)
		}

		versionStr, description, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing description", name)
		}
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", name, err)
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m, exists := byVersion[version]
		if !exists {
			m = &Migration{Version: version, Description: strings.ReplaceAll(description, "_", " ")}
			byVersion[version] = m
		}
		if direction == ".up" {
			m.Up = string(content)
		} else {
			m.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %d has no up script", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (p *PostgresDB) ensureMigrationsTable(ctx context.Context) error {
	_, err := p.ExecContext(ctx, "migrate", `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

type appliedMigration struct {
	Version   int       `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

func (p *PostgresDB) appliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	var rows []appliedMigration
	if err := p.SelectContext(ctx, "migrate", &rows, "SELECT version, applied_at FROM schema_migrations"); err != nil {
		return nil, err
	}
	applied := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		applied[r.Version] = r.AppliedAt
	}
	return applied, nil
}

// Migrate applies every pending migration, each in its own transaction.
// It returns the number of migrations applied.
func (p *PostgresDB) Migrate(ctx context.Context) (int, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return 0, err
	}
	if err := p.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := p.appliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied migrations: %w", err)
	}

	count := 0
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}

		p.logger.Info(ctx, "[MIGRATE] Applying migration", logging.Fields{
			"version":     m.Version,
			"description": m.Description,
		})

		tx, err := p.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("execute migration %d: %w", m.Version, Classify(err))
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("record migration %d: %w", m.Version, Classify(err))
		}

		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("commit migration %d: %w", m.Version, Classify(err))
		}
		count++
	}

	p.logger.Info(ctx, "[MIGRATE] Schema up to date", logging.Fields{
		"applied": count,
		"total":   len(migrations),
	})
	return count, nil
}

// Rollback reverts the most recently applied migration. It returns the
// reverted version, or 0 when nothing was applied.
func (p *PostgresDB) Rollback(ctx context.Context) (int, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return 0, err
	}
	if err := p.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := p.appliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied migrations: %w", err)
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if _, ok := applied[m.Version]; !ok {
			continue
		}
		if m.Down == "" {
			return 0, fmt.Errorf("migration %d has no down script", m.Version)
		}

		p.logger.Info(ctx, "[MIGRATE] Reverting migration", logging.Fields{
			"version":     m.Version,
			"description": m.Description,
		})

		tx, err := p.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("begin tx for rollback %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("revert migration %d: %w", m.Version, Classify(err))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("unrecord migration %d: %w", m.Version, Classify(err))
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit rollback %d: %w", m.Version, Classify(err))
		}
		return m.Version, nil
	}

	return 0, nil
}

// MigrationStatus lists every known migration with its applied time, if any.
func (p *PostgresDB) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return nil, err
	}
	if err := p.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := p.appliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("get applied migrations: %w", err)
	}

	states := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		state := MigrationState{Migration: m}
		if at, ok := applied[m.Version]; ok {
			at := at
			state.AppliedAt = &at
		}
		states = append(states, state)
	}
	return states, nil
}
