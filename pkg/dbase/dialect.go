package dbase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect answers the driver-specific questions the layers above may not:
// how a wire field type is declared in DDL and how scanned array and jsonb
// cells decode back into Go values.
type Dialect interface {
	// Name is "postgres" or "sqlite".
	Name() string

	// ColumnType maps a wire field type (text, integer, decimal, numeric,
	// boolean, timestamp, date, uuid, jsonb, binary, bigserial and their
	// []-array forms) to the SQL type used in DDL.
	ColumnType(wireType string) (string, error)

	// DecodeArray converts a scanned array cell into a slice. baseType is
	// the wire element type and drives element coercion.
	DecodeArray(v any, baseType string) ([]any, error)

	// DecodeJSON converts a scanned jsonb cell into its Go form.
	DecodeJSON(v any) (any, error)
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s is safe to use as a quoted SQL
// identifier.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// QuoteIdentifier validates and double-quotes an identifier. Both supported
// dialects accept double-quoted identifiers.
func QuoteIdentifier(s string) (string, error) {
	if !ValidIdentifier(s) {
		return "", fmt.Errorf("invalid identifier %q", s)
	}
	return `"` + s + `"`, nil
}

// PostgresDialect returns the postgres lowering rules.
func PostgresDialect() Dialect { return postgresDialect{} }

// SQLiteDialect returns the sqlite lowering rules.
func SQLiteDialect() Dialect { return sqliteDialect{} }

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

var postgresTypes = map[string]string{
	"text":      "TEXT",
	"integer":   "INTEGER",
	"decimal":   "DECIMAL",
	"numeric":   "NUMERIC",
	"boolean":   "BOOLEAN",
	"timestamp": "TIMESTAMPTZ",
	"date":      "DATE",
	"uuid":      "UUID",
	"jsonb":     "JSONB",
	"binary":    "BYTEA",
	"bigserial": "BIGSERIAL",
}

func (postgresDialect) ColumnType(wireType string) (string, error) {
	if base, ok := strings.CutSuffix(wireType, "[]"); ok {
		t, found := postgresTypes[base]
		if !found || base == "bigserial" {
			return "", fmt.Errorf("unsupported array field type %q", wireType)
		}
		return t + "[]", nil
	}
	t, ok := postgresTypes[wireType]
	if !ok {
		return "", fmt.Errorf("unsupported field type %q", wireType)
	}
	return t, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

var sqliteTypes = map[string]string{
	"text":      "TEXT",
	"integer":   "INTEGER",
	"decimal":   "REAL",
	"numeric":   "NUMERIC",
	"boolean":   "BOOLEAN",
	"timestamp": "TIMESTAMP",
	"date":      "DATE",
	"uuid":      "TEXT",
	"jsonb":     "TEXT",
	"binary":    "BLOB",
	"bigserial": "INTEGER",
}

func (sqliteDialect) ColumnType(wireType string) (string, error) {
	// Array columns are stored as JSON text on the file driver.
	if base, ok := strings.CutSuffix(wireType, "[]"); ok {
		if _, found := sqliteTypes[base]; !found || base == "bigserial" {
			return "", fmt.Errorf("unsupported array field type %q", wireType)
		}
		return "TEXT", nil
	}
	t, ok := sqliteTypes[wireType]
	if !ok {
		return "", fmt.Errorf("unsupported field type %q", wireType)
	}
	return t, nil
}

func (postgresDialect) DecodeArray(v any, baseType string) ([]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return val, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case string:
		elems, err := parseArrayLiteral(val)
		if err != nil {
			return nil, err
		}
		return coerceElements(elems, baseType)
	default:
		return nil, fmt.Errorf("cannot decode %T as array", v)
	}
}

func (postgresDialect) DecodeJSON(v any) (any, error) {
	return decodeJSONCell(v)
}

func (sqliteDialect) DecodeArray(v any, baseType string) ([]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return val, nil
	case string:
		if val == "" {
			return []any{}, nil
		}
		var out []any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("cannot decode array cell: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot decode %T as array", v)
	}
}

func (sqliteDialect) DecodeJSON(v any) (any, error) {
	return decodeJSONCell(v)
}

func decodeJSONCell(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("cannot decode jsonb cell: %w", err)
	}
	return out, nil
}

// parseArrayLiteral parses the Postgres array text form: {a,b}, with
// double-quoted elements when they contain commas, braces or quotes.
func parseArrayLiteral(s string) ([]string, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("malformed array literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []string{}, nil
	}

	var (
		elems   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		elems = append(elems, cur.String())
		cur.Reset()
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted || escaped {
		return nil, fmt.Errorf("malformed array literal %q", s)
	}
	flush()
	return elems, nil
}

func coerceElements(elems []string, baseType string) ([]any, error) {
	out := make([]any, len(elems))
	for i, e := range elems {
		if e == "NULL" {
			out[i] = nil
			continue
		}
		switch baseType {
		case "integer", "bigserial":
			n, err := strconv.ParseInt(e, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("array element %q is not an integer", e)
			}
			out[i] = n
		case "decimal", "numeric":
			f, err := strconv.ParseFloat(e, 64)
			if err != nil {
				return nil, fmt.Errorf("array element %q is not numeric", e)
			}
			out[i] = f
		case "boolean":
			out[i] = e == "t" || e == "true"
		default:
			out[i] = e
		}
	}
	return out, nil
}
