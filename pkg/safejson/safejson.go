// Package safejson decodes loosely-typed JSON coming from the backend without
// ever failing: malformed input degrades to an empty value.
package safejson

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Object decodes s as a JSON object. Anything that is not a well-formed
// object yields an empty, non-nil map.
func Object(s string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return out
	}
	return m
}

// Field returns m[key] as an object. The value may be a nested object or a
// JSON-encoded string holding one.
func Field(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case string:
		return Object(v)
	default:
		return map[string]any{}
	}
}

// String returns m[key] when it is a string
func String(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Int returns m[key] as an int. JSON numbers and numeric strings are accepted.
func Int(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

// Raw renders m[key] as text: strings verbatim, anything else re-encoded as JSON.
func Raw(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
