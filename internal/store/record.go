package store

import (
	"fmt"
	"reflect"
	"time"
)

// Record is one row. Values are string, float64, int64, bool or nil;
// Normalize converts the other Go types callers commonly hand in.
type Record map[string]any

func (r Record) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (r Record) Time(key string) time.Time {
	return ParseTime(r.Str(key))
}

// Clone returns a shallow copy, which is a full copy for scalar values.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Normalize returns a copy of r with every value in its stored form.
func (r Record) Normalize() (Record, error) {
	out := make(Record, len(r))
	for k, v := range r {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue maps v onto the stored value types.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, float64, int64, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return string(x), nil
	case time.Time:
		return FormatTime(x), nil
	case []string:
		return JoinIDs(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	// Named types such as core.AccountType.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// valuesEqual compares stored values, treating int64 and float64 as numbers.
func valuesEqual(a, b any) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Compare orders two stored values: nil first, then numbers, then text.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
