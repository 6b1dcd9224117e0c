package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup resolves a condition key against an event. ok is false when neither
// the payload nor the entity carries the key.
type Lookup func(key string) (value any, ok bool)

// Matches reports whether every condition equals the looked-up value.
// An empty condition set always matches. A null condition matches a key
// that is absent or null.
func Matches(conditions map[string]any, lookup Lookup) bool {
	for key, expected := range conditions {
		actual, ok := lookup(key)
		if !ok && expected != nil {
			return false
		}
		if !ValuesEqual(expected, actual) {
			return false
		}
	}
	return true
}

// ValuesEqual compares numbers by value and everything else by string form.
func ValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	ef, eNum := toFloat(expected)
	af, aNum := toFloat(actual)
	if eNum && aNum {
		return ef == af
	}
	return stringForm(expected) == stringForm(actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringForm(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case *string:
		if s == nil {
			return ""
		}
		return *s
	}
	return fmt.Sprintf("%v", v)
}
