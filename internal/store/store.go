// Package store defines the record store the allocator reads and writes
// through. Records are flat column maps over a fixed set of tables; the
// memory and SQL backends both implement RecordStore.
package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"allocator/internal/core"
)

const (
	TableUsers       = "users"
	TableAccounts    = "accounts"
	TableCategories  = "categories"
	TableExpenses    = "expenses"
	TableSplits      = "expense_splits"
	TableIncome      = "income"
	TableSuggestions = "split_suggestions"
)

// Kind is the storage type of a column.
type Kind int

const (
	Text Kind = iota
	Real
)

type Column struct {
	Name string
	Kind Kind
}

// Schema lists the columns of every table, "id" first.
var Schema = map[string][]Column{
	TableUsers: {
		{"id", Text}, {"name", Text}, {"email", Text},
	},
	TableAccounts: {
		{"id", Text}, {"name", Text}, {"type", Text}, {"owner_ids", Text},
	},
	TableCategories: {
		{"id", Text}, {"name", Text},
	},
	TableExpenses: {
		{"id", Text}, {"name", Text}, {"raw_amount", Real}, {"raw_frequency", Text},
		{"normalised_amount", Real}, {"account_id", Text}, {"category_id", Text},
		{"created_by", Text}, {"notes", Text}, {"created_at", Text},
	},
	TableSplits: {
		{"id", Text}, {"expense_id", Text}, {"user_id", Text}, {"ratio", Real},
	},
	TableIncome: {
		{"id", Text}, {"user_id", Text}, {"source", Text}, {"raw_amount", Real}, {"raw_frequency", Text},
	},
	TableSuggestions: {
		{"id", Text}, {"expense_id", Text}, {"from_user_id", Text}, {"to_user_id", Text},
		{"suggested_ratio", Real}, {"suggested_amount", Real}, {"status", Text}, {"created_at", Text},
	},
}

// Tables returns the table names in a stable order.
func Tables() []string {
	names := make([]string, 0, len(Schema))
	for name := range Schema {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ColumnKind reports the kind of table.column, or false when either is unknown.
func ColumnKind(table, column string) (Kind, bool) {
	for _, c := range Schema[table] {
		if c.Name == column {
			return c.Kind, true
		}
	}
	return 0, false
}

// Order sorts query results by one column.
type Order struct {
	Column string
	Desc   bool
}

func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// RecordStore is the persistence port. Every failure is a *core.StoreError
// except CurrentPrincipal, which fails with core.ErrUnauthenticated.
type RecordStore interface {
	Query(ctx context.Context, table string, filter Filter, order ...Order) ([]Record, error)
	// Insert stores r and returns it with a generated "id" when none was set.
	Insert(ctx context.Context, table string, r Record) (Record, error)
	Update(ctx context.Context, table string, filter Filter, patch Record) error
	Delete(ctx context.Context, table string, filter Filter) error
	CurrentPrincipal(ctx context.Context) (string, error)
}

// Transactor is implemented by stores that can group writes. Changes made
// through tx become visible only when fn returns nil.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx RecordStore) error) error
}

// Validate checks that table exists and every key of r is one of its columns.
func Validate(op, table string, r Record) error {
	if _, ok := Schema[table]; !ok {
		return &core.StoreError{Op: op, Table: table, Err: fmt.Errorf("unknown table %q", table)}
	}
	for key := range r {
		if _, ok := ColumnKind(table, key); !ok {
			return &core.StoreError{Op: op, Table: table, Err: fmt.Errorf("unknown column %q", key)}
		}
	}
	return nil
}

// Conform converts int64 values of Real columns to float64 so that every
// backend hands back the same types.
func Conform(table string, r Record) Record {
	for k, v := range r {
		if n, ok := v.(int64); ok {
			if kind, _ := ColumnKind(table, k); kind == Real {
				r[k] = float64(n)
			}
		}
	}
	return r
}

// TimeLayout is fixed width so stored timestamps sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// JoinIDs encodes a set of ids for a text column.
func JoinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// SplitIDs decodes JoinIDs, dropping blanks.
func SplitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
