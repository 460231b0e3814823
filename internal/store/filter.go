package store

import "fmt"

// Op is a filter comparison.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

// Condition compares one column. Value is a []any for OpIn and unused
// for OpIsNull.
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Filter is a conjunction of conditions. The empty filter matches every row.
type Filter []Condition

// Where starts a filter with column = value.
func Where(column string, value any) Filter {
	return Filter{}.Eq(column, value)
}

func (f Filter) Eq(column string, value any) Filter {
	return append(f, Condition{Column: column, Op: OpEq, Value: value})
}

func (f Filter) Neq(column string, value any) Filter {
	return append(f, Condition{Column: column, Op: OpNeq, Value: value})
}

// In matches rows whose column equals any of values. An empty list matches nothing.
func (f Filter) In(column string, values ...any) Filter {
	return append(f, Condition{Column: column, Op: OpIn, Value: values})
}

// InStrings is In over a string slice.
func (f Filter) InStrings(column string, values []string) Filter {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return f.In(column, vs...)
}

func (f Filter) IsNull(column string) Filter {
	return append(f, Condition{Column: column, Op: OpIsNull})
}

// Validate rejects unknown columns and malformed values for table.
func (f Filter) Validate(table string) error {
	for _, c := range f {
		if _, ok := ColumnKind(table, c.Column); !ok {
			return fmt.Errorf("unknown column %q", c.Column)
		}
		switch c.Op {
		case OpEq, OpNeq:
			if _, err := NormalizeValue(c.Value); err != nil {
				return err
			}
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("IN on %s needs a list", c.Column)
			}
		case OpIsNull:
		default:
			return fmt.Errorf("unknown operator %q", c.Op)
		}
	}
	return nil
}

// Match evaluates the filter against a stored record.
func (f Filter) Match(r Record) bool {
	for _, c := range f {
		v := r[c.Column]
		switch c.Op {
		case OpEq:
			want, _ := NormalizeValue(c.Value)
			if v == nil || !valuesEqual(v, want) {
				return false
			}
		case OpNeq:
			want, _ := NormalizeValue(c.Value)
			if v == nil || valuesEqual(v, want) {
				return false
			}
		case OpIn:
			if !matchesAny(v, c.Value.([]any)) {
				return false
			}
		case OpIsNull:
			if v != nil {
				return false
			}
		}
	}
	return true
}

func matchesAny(v any, values []any) bool {
	if v == nil {
		return false
	}
	for _, candidate := range values {
		want, _ := NormalizeValue(candidate)
		if valuesEqual(v, want) {
			return true
		}
	}
	return false
}
