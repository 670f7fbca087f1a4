package main

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/steveyegge/docsync/internal/client"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// decodeData parses a JSON object. "-" reads it from stdin.
func decodeData(arg string, stdin io.Reader) (map[string]any, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return normalizeNumbers(data).(map[string]any), nil
}

// decodeValue parses a query operand. Anything that is not valid JSON is
// taken as a bare string, so `city == Paris` works without quotes.
func decodeValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return normalizeNumbers(v)
}

// normalizeNumbers turns json.Number into int64 when the number is whole
// and fits, float64 otherwise.
func normalizeNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(string(v), 64)
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range v {
			v[i] = normalizeNumbers(e)
		}
	}
	return v
}

// parseTime accepts RFC 3339, "now", or English like "tomorrow at 9am".
func parseTime(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if t, err := time.Parse(time.RFC3339Nano, expr); err == nil {
		return t, nil
	}
	if strings.EqualFold(expr, "now") {
		return now, nil
	}
	r, err := timeParser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("no time found in %q", expr)
	}
	return r.Time, nil
}

// fieldFlags are the per-field write modifiers shared by set and update.
type fieldFlags struct {
	timestamps      []string
	serverTimestamp []string
	increments      []string
	deletes         []string
}

// values returns the modifiers keyed by dotted field path.
func (f fieldFlags) values(now time.Time) (map[string]any, error) {
	out := make(map[string]any)
	for _, kv := range f.timestamps {
		field, expr, ok := strings.Cut(kv, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--ts wants field=time, got %q", kv)
		}
		t, err := parseTime(expr, now)
		if err != nil {
			return nil, err
		}
		out[field] = t
	}
	for _, field := range f.serverTimestamp {
		out[field] = client.ServerTimestamp
	}
	for _, kv := range f.increments {
		field, n, ok := strings.Cut(kv, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--increment wants field=number, got %q", kv)
		}
		switch v := decodeValue(n).(type) {
		case int64, float64:
			out[field] = client.Increment(v)
		default:
			return nil, fmt.Errorf("--increment %s: %q is not a number", field, n)
		}
	}
	for _, field := range f.deletes {
		out[field] = client.DeleteField
	}
	return out, nil
}

// setPath stores v at a dotted path, creating nested maps on the way.
func setPath(data map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	m := data
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = v
}

// whereClause is a parsed --where argument.
type whereClause struct {
	Path  string
	Op    string
	Value any
}

// parseWhere splits "field op value". The value is JSON or a bare string.
func parseWhere(s string) (whereClause, error) {
	s = strings.TrimSpace(s)
	path, rest, ok := strings.Cut(s, " ")
	if !ok {
		return whereClause{}, fmt.Errorf("--where wants 'field op value', got %q", s)
	}
	op, value, ok := strings.Cut(strings.TrimSpace(rest), " ")
	if !ok || strings.TrimSpace(value) == "" {
		return whereClause{}, fmt.Errorf("--where wants 'field op value', got %q", s)
	}
	if path == "id" {
		path = client.DocumentID
	}
	return whereClause{Path: path, Op: op, Value: decodeValue(strings.TrimSpace(value))}, nil
}

// parseOrder splits "field" or "field desc".
func parseOrder(s string) (string, client.Direction, error) {
	path, dir, _ := strings.Cut(strings.TrimSpace(s), " ")
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc":
		return path, client.Asc, nil
	case "desc":
		return path, client.Desc, nil
	}
	return "", client.Asc, fmt.Errorf("--order direction must be asc or desc, got %q", dir)
}

// isDocPath reports whether path names a document (an even number of
// segments) rather than a collection.
func isDocPath(path string) bool {
	return len(strings.Split(strings.Trim(path, "/"), "/"))%2 == 0
}
