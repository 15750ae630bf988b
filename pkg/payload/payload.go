// Package payload holds helpers for the loosely typed JSON objects that flow
// between the upstream link, the webhook and doctor sockets.
package payload

import (
	"strconv"
	"strings"
)

// String returns the first non-empty value found under keys. Numeric values
// are rendered without a fractional part when they are whole numbers, since
// upstream identifiers are sometimes sent as JSON numbers.
func String(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			if t == float64(int64(t)) {
				s = strconv.FormatInt(int64(t), 10)
			} else {
				s = strconv.FormatFloat(t, 'f', -1, 64)
			}
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Object returns m[key] when it is a JSON object.
func Object(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	obj, ok := m[key].(map[string]any)
	return obj, ok
}

// Clone returns a shallow copy of m. A nil map yields an empty one.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetDefault stores value under key unless a non-empty value is already present.
func SetDefault(m map[string]any, key, value string) {
	if value == "" {
		return
	}
	if String(m, key) == "" {
		m[key] = value
	}
}
