package utils

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// The helpers below operate on values produced by a json.Decoder with
// UseNumber enabled. None of them coerce between JSON kinds: a string is
// never accepted where a number is expected and vice versa.

// JSONType names the JSON kind of a decoded value for error messages.
func JSONType(val interface{}) string {
	switch val.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", val)
	}
}

// ConvertToString accepts only JSON strings.
func ConvertToString(val interface{}) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %s", JSONType(val))
	}
	return s, nil
}

// ConvertToInt64 accepts only integral JSON number literals.
func ConvertToInt64(val interface{}) (int64, error) {
	n, ok := val.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %s", JSONType(val))
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %s", n.String())
	}
	return i, nil
}

// ConvertToDecimal accepts any JSON number literal, integers included, and
// keeps its exact textual value.
func ConvertToDecimal(val interface{}) (*apd.Decimal, error) {
	n, ok := val.(json.Number)
	if !ok {
		return nil, fmt.Errorf("expected decimal, got %s", JSONType(val))
	}
	d, _, err := apd.NewFromString(n.String())
	if err != nil {
		return nil, fmt.Errorf("expected decimal, got %s", n.String())
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("expected finite decimal, got %s", n.String())
	}
	return d, nil
}

// ConvertToObject accepts only JSON objects.
func ConvertToObject(val interface{}) (map[string]interface{}, error) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected object, got %s", JSONType(val))
	}
	return m, nil
}

// ConvertToArray accepts only JSON arrays.
func ConvertToArray(val interface{}) ([]interface{}, error) {
	a, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %s", JSONType(val))
	}
	return a, nil
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "...(truncated)"
}
