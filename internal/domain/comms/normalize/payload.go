// Package normalize turns provider webhook payloads into typed events.
//
// Providers deliver loosely shaped JSON objects; everything past this package
// works on the parsed types, never on the raw map.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is a decoded JSON webhook body
type Payload map[string]any

// Lookup returns the value at a dotted path
func (p Payload) Lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the first non-empty scalar found at any of the paths
func (p Payload) String(paths ...string) string {
	for _, path := range paths {
		v, ok := p.Lookup(path)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

// Bool returns the boolean at path; strings "true"/"1" count as true
func (p Payload) Bool(path string) bool {
	v, ok := p.Lookup(path)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	}
	if n, ok := number(v); ok {
		return n != 0
	}
	return false
}

// Map returns the object at path, nil if absent or not an object
func (p Payload) Map(path string) Payload {
	v, ok := p.Lookup(path)
	if !ok {
		return nil
	}
	m, _ := asMap(v)
	return m
}

// List returns the objects of the array at path; non-object items are skipped
func (p Payload) List(path string) []Payload {
	v, ok := p.Lookup(path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Payload, 0, len(items))
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, m)
		}
	}
	return out
}

// Strings returns the array at path as strings, or a single string as one item
func (p Payload) Strings(path string) []string {
	v, ok := p.Lookup(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time returns the first parseable timestamp at any of the paths.
// RFC 3339 strings and unix seconds or milliseconds are accepted.
func (p Payload) Time(paths ...string) *time.Time {
	for _, path := range paths {
		v, ok := p.Lookup(path)
		if !ok {
			continue
		}
		if t, ok := parseTime(v); ok {
			return &t
		}
	}
	return nil
}

// Clone returns a deep copy through a JSON round trip. Numbers come back
// as json.Number so large ids survive unchanged.
func (p Payload) Clone() map[string]any {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return map[string]any(p)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return map[string]any(p)
	}
	return out
}

func asMap(v any) (Payload, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Payload(m), true
	case Payload:
		return m, true
	}
	return nil, false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	return ""
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.RFC1123Z} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(n), true
		}
		return time.Time{}, false
	}
	if n, ok := number(v); ok {
		return unixTime(n), true
	}
	return time.Time{}, false
}

// number reads a JSON number in any of its decoded forms
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	}
	return 0, false
}

func unixTime(n float64) time.Time {
	// Values past year 2286 in seconds are milliseconds
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// JSONValue converts v to the generic shape a JSON round trip produces, so
// the memory and SQL stores hold the same metadata
func JSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
