package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"allocator/internal/core"
	"allocator/internal/store"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLStore is a RecordStore over SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQLite opens (creating when needed) the database file at path and
// migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := open(ctx, SQLite, dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time avoids SQLITE_BUSY between pooled connections.
	s.db.SetMaxOpenConns(1)
	return s, nil
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	return open(ctx, Postgres, dsn)
}

func open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dialect, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, table string, filter store.Filter, order ...store.Order) ([]store.Record, error) {
	return query(ctx, s.db, s.dialect, table, filter, order)
}

func (s *SQLStore) Insert(ctx context.Context, table string, r store.Record) (store.Record, error) {
	return insert(ctx, s.db, s.dialect, table, r)
}

func (s *SQLStore) Update(ctx context.Context, table string, filter store.Filter, patch store.Record) error {
	return update(ctx, s.db, s.dialect, table, filter, patch)
}

func (s *SQLStore) Delete(ctx context.Context, table string, filter store.Filter) error {
	return remove(ctx, s.db, s.dialect, table, filter)
}

func (s *SQLStore) CurrentPrincipal(ctx context.Context) (string, error) {
	return store.CurrentPrincipal(ctx, s.now())
}

// InTx runs fn inside a database transaction, committing when fn returns nil.
func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.RecordStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin", "", err)
	}

	if err := fn(ctx, &txStore{tx: sqlTx, parent: s}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.WarnContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storeError("commit", "", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *SQLStore
}

func (t *txStore) Query(ctx context.Context, table string, filter store.Filter, order ...store.Order) ([]store.Record, error) {
	return query(ctx, t.tx, t.parent.dialect, table, filter, order)
}

func (t *txStore) Insert(ctx context.Context, table string, r store.Record) (store.Record, error) {
	return insert(ctx, t.tx, t.parent.dialect, table, r)
}

func (t *txStore) Update(ctx context.Context, table string, filter store.Filter, patch store.Record) error {
	return update(ctx, t.tx, t.parent.dialect, table, filter, patch)
}

func (t *txStore) Delete(ctx context.Context, table string, filter store.Filter) error {
	return remove(ctx, t.tx, t.parent.dialect, table, filter)
}

func (t *txStore) CurrentPrincipal(ctx context.Context) (string, error) {
	return t.parent.CurrentPrincipal(ctx)
}

func query(ctx context.Context, q querier, d Dialect, table string, filter store.Filter, order []store.Order) ([]store.Record, error) {
	columns := store.Schema[table]
	if columns == nil {
		return nil, unknownTable("query", table)
	}
	where, args, err := whereClause(table, filter)
	if err != nil {
		return nil, &core.StoreError{Op: "query", Table: table, Err: err}
	}

	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	stmt := "SELECT " + strings.Join(names, ", ") + " FROM " + table + where

	if len(order) > 0 {
		terms := make([]string, len(order))
		for i, o := range order {
			if _, ok := store.ColumnKind(table, o.Column); !ok {
				return nil, &core.StoreError{Op: "query", Table: table, Err: fmt.Errorf("unknown order column %q", o.Column)}
			}
			terms[i] = o.Column
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		stmt += " ORDER BY " + strings.Join(terms, ", ")
	}

	rows, err := q.QueryContext(ctx, d.rebind(stmt), args...)
	if err != nil {
		return nil, storeError("query", table, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows, columns)
		if err != nil {
			return nil, storeError("query", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("query", table, err)
	}
	return out, nil
}

func insert(ctx context.Context, q querier, d Dialect, table string, r store.Record) (store.Record, error) {
	if err := store.Validate("insert", table, r); err != nil {
		return nil, err
	}
	row, err := r.Normalize()
	if err != nil {
		return nil, &core.StoreError{Op: "insert", Table: table, Err: err}
	}
	row = store.Conform(table, row)
	if row.Str("id") == "" {
		row["id"] = uuid.NewString()
	}

	var (
		names        []string
		placeholders []string
		args         []any
	)
	for _, c := range store.Schema[table] {
		v, ok := row[c.Name]
		if !ok {
			row[c.Name] = nil
			continue
		}
		names = append(names, c.Name)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := q.ExecContext(ctx, d.rebind(stmt), args...); err != nil {
		return nil, storeError("insert", table, err)
	}
	return row, nil
}

func update(ctx context.Context, q querier, d Dialect, table string, filter store.Filter, patch store.Record) error {
	if err := store.Validate("update", table, patch); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	values, err := patch.Normalize()
	if err != nil {
		return &core.StoreError{Op: "update", Table: table, Err: err}
	}
	values = store.Conform(table, values)

	var (
		sets []string
		args []any
	)
	// Schema order keeps the statement deterministic.
	for _, c := range store.Schema[table] {
		if v, ok := values[c.Name]; ok {
			sets = append(sets, c.Name+" = ?")
			args = append(args, v)
		}
	}

	where, whereArgs, err := whereClause(table, filter)
	if err != nil {
		return &core.StoreError{Op: "update", Table: table, Err: err}
	}
	stmt := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + where
	if _, err := q.ExecContext(ctx, d.rebind(stmt), append(args, whereArgs...)...); err != nil {
		return storeError("update", table, err)
	}
	return nil
}

func remove(ctx context.Context, q querier, d Dialect, table string, filter store.Filter) error {
	if store.Schema[table] == nil {
		return unknownTable("delete", table)
	}
	where, args, err := whereClause(table, filter)
	if err != nil {
		return &core.StoreError{Op: "delete", Table: table, Err: err}
	}
	if _, err := q.ExecContext(ctx, d.rebind("DELETE FROM "+table+where), args...); err != nil {
		return storeError("delete", table, err)
	}
	return nil
}

// whereClause renders filter with ? placeholders. Column names come from
// the schema, never from callers.
func whereClause(table string, filter store.Filter) (string, []any, error) {
	if err := filter.Validate(table); err != nil {
		return "", nil, err
	}
	if len(filter) == 0 {
		return "", nil, nil
	}

	var (
		terms []string
		args  []any
	)
	for _, c := range filter {
		switch c.Op {
		case store.OpEq, store.OpNeq:
			v, _ := store.NormalizeValue(c.Value)
			op := " = ?"
			if c.Op == store.OpNeq {
				op = " <> ?"
			}
			terms = append(terms, c.Column+op)
			args = append(args, v)
		case store.OpIn:
			values := c.Value.([]any)
			if len(values) == 0 {
				terms = append(terms, "1 = 0")
				continue
			}
			marks := make([]string, len(values))
			for i, raw := range values {
				v, err := store.NormalizeValue(raw)
				if err != nil {
					return "", nil, err
				}
				marks[i] = "?"
				args = append(args, v)
			}
			terms = append(terms, c.Column+" IN ("+strings.Join(marks, ", ")+")")
		case store.OpIsNull:
			terms = append(terms, c.Column+" IS NULL")
		}
	}
	return " WHERE " + strings.Join(terms, " AND "), args, nil
}

func scanRecord(rows *sql.Rows, columns []store.Column) (store.Record, error) {
	dest := make([]any, len(columns))
	for i, c := range columns {
		if c.Kind == store.Real {
			dest[i] = new(sql.NullFloat64)
		} else {
			dest[i] = new(sql.NullString)
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	rec := make(store.Record, len(columns))
	for i, c := range columns {
		switch v := dest[i].(type) {
		case *sql.NullFloat64:
			if v.Valid {
				rec[c.Name] = v.Float64
			} else {
				rec[c.Name] = nil
			}
		case *sql.NullString:
			if v.Valid {
				rec[c.Name] = v.String
			} else {
				rec[c.Name] = nil
			}
		}
	}
	return rec, nil
}

func storeError(op, table string, err error) error {
	return &core.StoreError{Op: op, Table: table, Transient: isTransient(err), Err: err}
}

func unknownTable(op, table string) error {
	return &core.StoreError{Op: op, Table: table, Err: fmt.Errorf("unknown table %q", table)}
}
