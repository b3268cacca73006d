package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// normalizeValue converts a field value to its canonical in-memory form:
//
//   - all integer kinds → int64 (uint64 beyond MaxInt64 → float64)
//   - float32/float64 → float64
//   - json.Number → int64 when integral, float64 otherwise
//   - string → NFC-normalized string
//   - time.Time → UTC time
//   - bool and nil unchanged
//   - map[string]any / []any → kept as-is (display-only, never compared)
//
// Anything else is rejected so unexpected types surface at edit time rather
// than as a malformed request body.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64:
		return x, nil
	case string:
		return norm.NFC.String(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return n, nil
		}

		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("entity: invalid number %q: %w", x, err)
		}

		return f, nil
	case time.Time:
		return x.UTC(), nil
	case map[string]any, []any:
		return x, nil
	default:
		return nil, fmt.Errorf("entity: unsupported field value type %T", v)
	}
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}

	return int64(u)
}

// IsDisplayValue reports whether a value is a nested object or array. Such
// values come from joined lookups (e.g. an embedded item record) and exist
// only for display.
func IsDisplayValue(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// ValuesEqual compares two normalized field values. Numbers compare by value
// across int64/float64; times compare with time.Time.Equal.
func ValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}

		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}

		return false
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case map[string]any, []any:
		return reflect.DeepEqual(a, b)
	default:
		return a == b
	}
}
