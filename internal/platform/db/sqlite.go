package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

// OpenSQLite opens the embedded store at path (":memory:" for a throwaway
// database). The pool is pinned to a single connection so that SQLite's
// file lock never contends with itself and every write is serialised.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// ContextWithSQLTx returns a copy of ctx carrying tx.
func ContextWithSQLTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, SQLTxKey, tx)
}

// SQLTxFromContext retrieves the transaction started by RunInSQLTx, if any.
func SQLTxFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(SQLTxKey).(*sqlx.Tx)
	return tx
}

// SQLConn returns the transaction bound to ctx, falling back to conn.
func SQLConn(ctx context.Context, conn *sqlx.DB) sqlx.ExtContext {
	if tx := SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return conn
}

// RunInSQLTx is the sqlx counterpart of RunInTx.
func RunInSQLTx(ctx context.Context, conn *sqlx.DB, fn func(ctx context.Context) error) error {
	if SQLTxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if conn == nil {
		return fmt.Errorf("no database connection in context")
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ContextWithSQLTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MigrateSQLite applies pending migrations from fsys to the embedded store
// and returns how many were applied.
func MigrateSQLite(ctx context.Context, conn *sqlx.DB, fsys fs.FS) (int, error) {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	var versions []int
	if err := conn.SelectContext(ctx, &versions, `SELECT version FROM _migrations`); err != nil {
		return 0, fmt.Errorf("query applied versions: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	count := 0
	for _, mig := range pending(migrations, applied, 0) {
		err := RunInSQLTx(ctx, conn, func(ctx context.Context) error {
			q := SQLConn(ctx, conn)
			if _, err := q.ExecContext(ctx, mig.SQL); err != nil {
				return fmt.Errorf("execute SQL: %w", err)
			}
			_, err := q.ExecContext(ctx,
				`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				mig.Version, mig.Name, time.Now().UTC().Format(time.RFC3339))
			if err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// SQLiteMigrationStatus lists every migration in fsys with its applied state
// in the embedded store.
func SQLiteMigrationStatus(ctx context.Context, conn *sqlx.DB, fsys fs.FS) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Version   int    `db:"version"`
		AppliedAt string `db:"applied_at"`
	}
	err = conn.SelectContext(ctx, &rows, `SELECT version, applied_at FROM _migrations`)
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}

	appliedAt := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339, r.AppliedAt)
		if err != nil {
			return nil, fmt.Errorf("parse applied_at for version %d: %w", r.Version, err)
		}
		appliedAt[r.Version] = ts
	}
	return buildStatus(migrations, appliedAt), nil
}

// SQLiteHealthHandler reports whether the embedded store answers a ping.
func SQLiteHealthHandler(conn *sqlx.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := conn.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"driver": "sqlite",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"driver": "sqlite",
		})
	}
}
