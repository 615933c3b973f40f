package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// migrationLockID serialises migrations across sync API replicas.
const migrationLockID = 0x616e676b6f72

type migration struct {
	version string
	up      string
	down    string
}

// ApplyMigrations runs every NNNN_name.up.sql in migrationsDir that is not yet
// recorded in schema_migrations, oldest first, one transaction each.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	return ApplyMigrationsFS(ctx, db, os.DirFS(migrationsDir))
}

func ApplyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range migrations {
			if applied[m.version] || m.up == "" {
				continue
			}
			err := runInTx(ctx, conn, func(tx *sql.Tx) error {
				contents, err := fs.ReadFile(fsys, m.up)
				if err != nil {
					return fmt.Errorf("read migration %s: %w", m.up, err)
				}
				if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
					return fmt.Errorf("execute migration %s: %w", m.up, err)
				}
				if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version); err != nil {
					return fmt.Errorf("record migration %s: %w", m.version, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackMigrations reverts the newest steps applied migrations using their
// .down.sql files. A migration without a down file stops the rollback.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) error {
	return RollbackMigrationsFS(ctx, db, os.DirFS(migrationsDir), steps)
}

func RollbackMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS, steps int) error {
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(migrations) - 1; i >= 0 && steps > 0; i-- {
			m := migrations[i]
			if !applied[m.version] {
				continue
			}
			if m.down == "" {
				return fmt.Errorf("migration %s has no down file", m.version)
			}
			err := runInTx(ctx, conn, func(tx *sql.Tx) error {
				contents, err := fs.ReadFile(fsys, m.down)
				if err != nil {
					return fmt.Errorf("read migration %s: %w", m.down, err)
				}
				if strings.TrimSpace(string(contents)) != "" {
					if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
						return fmt.Errorf("revert migration %s: %w", m.down, err)
					}
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.version); err != nil {
					return fmt.Errorf("unrecord migration %s: %w", m.version, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			steps--
		}
		return nil
	})
}

// loadMigrations pairs up and down files by their version prefix and orders
// them by version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := make(map[string]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var base string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			base, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			base = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		version, _, ok := strings.Cut(base, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: name must be NNNN_description", name)
		}
		m := byVersion[version]
		if m == nil {
			m = &migration{version: version}
			byVersion[version] = m
		}
		if up {
			if m.up != "" {
				return nil, fmt.Errorf("migration version %s is used twice", version)
			}
			m.up = name
		} else {
			m.down = name
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func runInTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
