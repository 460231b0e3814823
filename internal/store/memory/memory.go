package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"allocator/internal/core"
	"allocator/internal/store"
)

// Store keeps every table in memory. Rows keep insertion order.
type Store struct {
	mu     sync.RWMutex
	tables map[string][]store.Record
	now    func() time.Time
}

func New() *Store {
	tables := make(map[string][]store.Record, len(store.Schema))
	for name := range store.Schema {
		tables[name] = nil
	}
	return &Store{tables: tables, now: time.Now}
}

// NewFromFiles seeds categories from seed_categories.txt (one name per line)
// and users from seed_users.txt ("id,name,email" per line) under base.
// Missing files leave the tables empty except for a few default categories.
func NewFromFiles(base string) *Store {
	s := New()
	cats := readLines(filepath.Join(base, "seed_categories.txt"))
	if len(cats) == 0 {
		cats = []string{"Groceries", "Housing", "Transportation", "Utilities"}
	}
	for _, name := range cats {
		s.tables[store.TableCategories] = append(s.tables[store.TableCategories],
			store.Record{"id": uuid.NewString(), "name": name})
	}
	for _, line := range readLines(filepath.Join(base, "seed_users.txt")) {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) < 2 {
			continue
		}
		u := store.Record{"id": strings.TrimSpace(parts[0]), "name": strings.TrimSpace(parts[1]), "email": nil}
		if len(parts) == 3 {
			u["email"] = strings.TrimSpace(parts[2])
		}
		s.tables[store.TableUsers] = append(s.tables[store.TableUsers], u)
	}
	return s
}

func (s *Store) Query(_ context.Context, table string, filter store.Filter, order ...store.Order) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(table, filter, order)
}

func (s *Store) Insert(_ context.Context, table string, r store.Record) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(table, r)
}

func (s *Store) Update(_ context.Context, table string, filter store.Filter, patch store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(table, filter, patch)
}

func (s *Store) Delete(_ context.Context, table string, filter store.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(table, filter)
}

func (s *Store) CurrentPrincipal(ctx context.Context) (string, error) {
	return store.CurrentPrincipal(ctx, s.now())
}

// InTx runs fn with exclusive access. When fn fails every table is
// restored to its state before the call.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.RecordStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string][]store.Record, len(s.tables))
	for name, rows := range s.tables {
		snapshot[name] = cloneRows(rows)
	}

	if err := fn(ctx, &txStore{s: s}); err != nil {
		s.tables = snapshot
		return err
	}
	return nil
}

// txStore runs against a Store whose lock is already held by InTx.
type txStore struct {
	s *Store
}

func (t *txStore) Query(_ context.Context, table string, filter store.Filter, order ...store.Order) ([]store.Record, error) {
	return t.s.query(table, filter, order)
}

func (t *txStore) Insert(_ context.Context, table string, r store.Record) (store.Record, error) {
	return t.s.insert(table, r)
}

func (t *txStore) Update(_ context.Context, table string, filter store.Filter, patch store.Record) error {
	return t.s.update(table, filter, patch)
}

func (t *txStore) Delete(_ context.Context, table string, filter store.Filter) error {
	return t.s.delete(table, filter)
}

func (t *txStore) CurrentPrincipal(ctx context.Context) (string, error) {
	return t.s.CurrentPrincipal(ctx)
}

func (s *Store) query(table string, filter store.Filter, order []store.Order) ([]store.Record, error) {
	if err := s.check("query", table, filter); err != nil {
		return nil, err
	}
	for _, o := range order {
		if _, ok := store.ColumnKind(table, o.Column); !ok {
			return nil, &core.StoreError{Op: "query", Table: table, Err: fmt.Errorf("unknown order column %q", o.Column)}
		}
	}

	var out []store.Record
	for _, r := range s.tables[table] {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	if len(order) > 0 {
		slices.SortStableFunc(out, func(a, b store.Record) int {
			for _, o := range order {
				c := store.Compare(a[o.Column], b[o.Column])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	return out, nil
}

func (s *Store) insert(table string, r store.Record) (store.Record, error) {
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
	for _, existing := range s.tables[table] {
		if existing["id"] == row["id"] {
			return nil, &core.StoreError{Op: "insert", Table: table, Err: fmt.Errorf("duplicate id %v", row["id"])}
		}
	}
	for _, c := range store.Schema[table] {
		if _, ok := row[c.Name]; !ok {
			row[c.Name] = nil
		}
	}
	s.tables[table] = append(s.tables[table], row)
	return row.Clone(), nil
}

func (s *Store) update(table string, filter store.Filter, patch store.Record) error {
	if err := s.check("update", table, filter); err != nil {
		return err
	}
	if err := store.Validate("update", table, patch); err != nil {
		return err
	}
	values, err := patch.Normalize()
	if err != nil {
		return &core.StoreError{Op: "update", Table: table, Err: err}
	}
	values = store.Conform(table, values)
	for _, r := range s.tables[table] {
		if filter.Match(r) {
			for k, v := range values {
				r[k] = v
			}
		}
	}
	return nil
}

func (s *Store) delete(table string, filter store.Filter) error {
	if err := s.check("delete", table, filter); err != nil {
		return err
	}
	s.tables[table] = slices.DeleteFunc(s.tables[table], filter.Match)
	return nil
}

func (s *Store) check(op, table string, filter store.Filter) error {
	if _, ok := s.tables[table]; !ok {
		return &core.StoreError{Op: op, Table: table, Err: fmt.Errorf("unknown table %q", table)}
	}
	if err := filter.Validate(table); err != nil {
		return &core.StoreError{Op: op, Table: table, Err: err}
	}
	return nil
}

func cloneRows(rows []store.Record) []store.Record {
	out := make([]store.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	seen := map[string]struct{}{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
