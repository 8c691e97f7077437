package datastore

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuemby/middlewared/pkg/apierr"
	"golang.org/x/sys/unix"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QueryOptions narrows a Query.
type QueryOptions struct {
	OrderBy []string
	Limit   uint64
	Offset  uint64
}

func checkIdents(names ...string) error {
	for _, n := range names {
		if !identRe.MatchString(n) {
			return apierr.New(int(unix.EINVAL), "invalid identifier %q", n)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Query selects rows from table whose columns equal filters.
func (e *Engine) Query(ctx context.Context, table string, filters map[string]any, opts QueryOptions) ([]Row, error) {
	if err := checkIdents(append([]string{table}, sortedKeys(filters)...)...); err != nil {
		return nil, err
	}
	stmt := sq.Select("*").From(table)
	if len(filters) > 0 {
		stmt = stmt.Where(sq.Eq(filters))
	}
	for _, col := range opts.OrderBy {
		dir := ""
		if len(col) > 0 && col[0] == '-' {
			col, dir = col[1:], " DESC"
		}
		if err := checkIdents(col); err != nil {
			return nil, err
		}
		stmt = stmt.OrderBy(col + dir)
	}
	if opts.Limit > 0 {
		stmt = stmt.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		stmt = stmt.Offset(opts.Offset)
	}
	return e.Fetchall(ctx, stmt)
}

// Insert adds a row and returns its rowid. The write is replicated.
func (e *Engine) Insert(ctx context.Context, table string, row map[string]any) (int64, error) {
	if len(row) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}
	if err := checkIdents(append([]string{table}, sortedKeys(row)...)...); err != nil {
		return 0, err
	}
	res, err := e.ExecuteWrite(ctx, sq.Insert(table).SetMap(row))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update sets fields on the row with the given id and returns the number
// of affected rows. The write is replicated.
func (e *Engine) Update(ctx context.Context, table string, id any, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	if err := checkIdents(append([]string{table}, sortedKeys(fields)...)...); err != nil {
		return 0, err
	}
	res, err := e.ExecuteWrite(ctx, sq.Update(table).SetMap(fields).Where(sq.Eq{"id": id}))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes the row with the given id. The write is replicated.
func (e *Engine) Delete(ctx context.Context, table string, id any) (int64, error) {
	if err := checkIdents(table); err != nil {
		return 0, err
	}
	res, err := e.ExecuteWrite(ctx, sq.Delete(table).Where(sq.Eq{"id": id}))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
