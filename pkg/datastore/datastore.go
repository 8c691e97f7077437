package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
)

// Options configures an Engine.
type Options struct {
	Path           string
	RequiredTables []string
	ReadPoolSize   int
}

// Engine owns the configuration database. Writes are serialized by a
// single non-reentrant write lock; reads go through a pool of
// worker-owned connections.
type Engine struct {
	path     string
	required []string
	hooks    *hooks.Registry
	logger   zerolog.Logger

	generation atomic.Uint64
	pid        atomic.Int64

	writeMu sync.Mutex
	writer  *Conn
	readers chan *Conn
}

type writeLockKey struct{}

// Open creates an engine for the database at opts.Path. Setup must be
// called before the first write.
func Open(opts Options, registry *hooks.Registry) (*Engine, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if opts.ReadPoolSize <= 0 {
		opts.ReadPoolSize = 4
	}
	if registry == nil {
		registry = hooks.NewRegistry(1)
	}

	e := &Engine{
		path:     opts.Path,
		required: opts.RequiredTables,
		hooks:    registry,
		logger:   log.WithComponent("datastore"),
		readers:  make(chan *Conn, opts.ReadPoolSize),
	}
	e.writer = e.NewConn()
	for i := 0; i < opts.ReadPoolSize; i++ {
		e.readers <- e.NewConn()
	}
	return e, nil
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// Generation returns the current engine generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// BumpGeneration invalidates every open connection. Each one reopens on
// its next use.
func (e *Engine) BumpGeneration() uint64 {
	g := e.generation.Add(1)
	metrics.DatastoreGeneration.Set(float64(g))
	return g
}

// HoldsWriteLock reports whether ctx was derived inside the write lock,
// i.e. the caller is a post-write hook or a WithWriteLock callback.
func HoldsWriteLock(ctx context.Context) bool {
	held, _ := ctx.Value(writeLockKey{}).(bool)
	return held
}

func (e *Engine) checkWriter(ctx context.Context) error {
	if pid := e.pid.Load(); pid != 0 && pid != int64(os.Getpid()) {
		return apierr.ForkedChild()
	}
	if HoldsWriteLock(ctx) {
		return apierr.Deadlock("Database write attempted while holding the write lock")
	}
	return nil
}

// Execute runs a raw write statement under the write lock. It does not
// fire the post-write hook, so the statement is not replicated.
func (e *Engine) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := e.checkWriter(ctx); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	timer := metrics.NewTimer()
	res, err := e.writer.exec(ctx, query, args)
	timer.ObserveDuration(metrics.DatastoreWriteDuration)
	if err != nil {
		metrics.DatastoreWrites.WithLabelValues("raw", "error").Inc()
		return nil, fmt.Errorf("execute failed: %w", err)
	}
	metrics.DatastoreWrites.WithLabelValues("raw", "success").Inc()
	return res, nil
}

// ExecuteWrite compiles stmt, executes it and runs the inline
// post-write hooks before releasing the write lock, so hooks observe
// statements in commit order. Hooks receive a ctx marked as holding the
// write lock; a hook that writes again with that ctx receives a deadlock
// error instead of hanging. A hook that drops it for a fresh context
// blocks forever.
func (e *Engine) ExecuteWrite(ctx context.Context, stmt sq.Sqlizer) (sql.Result, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to compile statement: %w", err)
	}
	return e.executeWrite(ctx, query, args)
}

func (e *Engine) executeWrite(ctx context.Context, query string, args []any) (sql.Result, error) {
	if err := e.checkWriter(ctx); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DatastoreWriteDuration)

	res, err := e.writer.exec(ctx, query, args)
	if err != nil {
		metrics.DatastoreWrites.WithLabelValues("typed", "error").Inc()
		return nil, fmt.Errorf("execute failed: %w", err)
	}
	metrics.DatastoreWrites.WithLabelValues("typed", "success").Inc()

	hctx := context.WithValue(ctx, writeLockKey{}, true)
	if err := e.hooks.CallInline(hctx, hooks.DatastorePostExecuteWrite, query, args); err != nil {
		e.logger.Error().Err(err).Str("sql", query).Msg("Post-write hook failed")
	}
	return res, nil
}

// WithWriteLock runs fn while holding the write lock. Writes from fn fail
// with a deadlock error.
func (e *Engine) WithWriteLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.checkWriter(ctx); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return fn(context.WithValue(ctx, writeLockKey{}, true))
}

// Fetchall runs a read query on a pooled connection. query is a SQL string
// or a squirrel statement. No lock is taken.
func (e *Engine) Fetchall(ctx context.Context, query any, args ...any) ([]Row, error) {
	var c *Conn
	select {
	case c = <-e.readers:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.readers <- c }()
	return c.Fetchall(ctx, query, args...)
}

// Setup prepares the engine for use: it bumps the generation, records the
// owning PID, repairs foreign key violations, vacuums, and checks that the
// required tables exist. A schema mismatch is returned but leaves the
// engine usable.
func (e *Engine) Setup(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	gen := e.BumpGeneration()
	e.pid.Store(int64(os.Getpid()))
	e.logger.Info().Uint64("generation", gen).Str("path", e.path).Msg("Datastore setup")

	if err := e.repairForeignKeys(ctx); err != nil {
		return err
	}
	if _, err := e.writer.exec(ctx, "VACUUM", nil); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}

	missing, err := e.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		serr := apierr.SchemaMismatch(missing)
		e.logger.Error().Strs("missing", missing).Msg("Database schema mismatch")
		return serr
	}
	return nil
}

type fkViolation struct {
	table string
	rowid int64
}

func (e *Engine) repairForeignKeys(ctx context.Context) error {
	if err := e.writer.ensure(); err != nil {
		return err
	}
	rows, err := e.writer.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check failed: %w", err)
	}
	var violations []fkViolation
	seen := make(map[fkViolation]bool)
	for rows.Next() {
		var (
			table  string
			rowid  sql.NullInt64
			parent string
			fkid   int64
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		if !rowid.Valid {
			e.logger.Warn().Str("table", table).Msg("Foreign key violation in table without rowid")
			continue
		}
		v := fkViolation{table: table, rowid: rowid.Int64}
		if !seen[v] {
			seen[v] = true
			violations = append(violations, v)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	if err := copyFile(e.path, fmt.Sprintf("%s.bak-%s", e.path, stamp)); err != nil {
		return fmt.Errorf("failed to back up database before repair: %w", err)
	}

	auditPath := filepath.Join(filepath.Dir(e.path), fmt.Sprintf("fk-repair-%s.log", stamp))
	audit, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open repair log: %w", err)
	}
	defer audit.Close()

	for _, v := range violations {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE rowid = %d", quoteIdent(v.table), v.rowid)
		if _, err := e.writer.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("foreign key repair failed: %w", err)
		}
		if _, err := fmt.Fprintln(audit, stmt); err != nil {
			return fmt.Errorf("failed to write repair log: %w", err)
		}
		e.logger.Warn().Str("table", v.table).Int64("rowid", v.rowid).Msg("Removed row violating foreign key")
	}
	return audit.Sync()
}

func (e *Engine) missingTables(ctx context.Context) ([]string, error) {
	if len(e.required) == 0 {
		return nil, nil
	}
	rows, err := e.writer.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[name] = true
	}

	var missing []string
	for _, t := range e.required {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing, rows.Err()
}

// Swap replaces the database file with the one at newPath and runs Setup.
// Connections held by other workers reopen on their next use.
func (e *Engine) Swap(ctx context.Context, newPath string) error {
	e.writeMu.Lock()
	if err := e.writer.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close writer before swap")
	}
	err := os.Rename(newPath, e.path)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	return e.Setup(ctx)
}

// Close closes every connection.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	err := e.writer.Close()
	for i := 0; i < cap(e.readers); i++ {
		c := <-e.readers
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.readers <- c
	}
	return err
}

func compile(query any, args []any) (string, []any, error) {
	switch q := query.(type) {
	case string:
		return q, args, nil
	case sq.Sqlizer:
		s, a, err := q.ToSql()
		if err != nil {
			return "", nil, fmt.Errorf("failed to compile query: %w", err)
		}
		return s, a, nil
	default:
		return "", nil, fmt.Errorf("unsupported query type %T", query)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
