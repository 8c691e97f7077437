package datastore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Conn is a database connection owned by a single worker. Before every use
// it compares the generation it was opened at with the engine's current
// generation and reopens itself when they differ, which makes a database
// file swap invisible to its owner.
type Conn struct {
	engine     *Engine
	db         *sql.DB
	generation uint64
}

// NewConn creates a worker-owned connection. It is opened lazily.
func (e *Engine) NewConn() *Conn {
	return &Conn{engine: e}
}

// Generation returns the engine generation the connection was opened at,
// or 0 if it has not been opened yet.
func (c *Conn) Generation() uint64 {
	return c.generation
}

func (c *Conn) ensure() error {
	current := c.engine.generation.Load()
	if c.db != nil && c.generation == current {
		return nil
	}
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
		c.engine.logger.Debug().
			Uint64("old_generation", c.generation).
			Uint64("generation", current).
			Msg("Reopening stale database connection")
	}

	db, err := sql.Open("sqlite3", dsn(c.engine.path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	c.db = db
	c.generation = current
	return nil
}

// Close closes the underlying handle.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Fetchall runs a read query on this connection.
func (c *Conn) Fetchall(ctx context.Context, query any, args ...any) ([]Row, error) {
	q, qargs, err := compile(query, args)
	if err != nil {
		return nil, err
	}
	if err := c.ensure(); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *Conn) exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	return c.db.ExecContext(ctx, query, args...)
}

func dsn(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
