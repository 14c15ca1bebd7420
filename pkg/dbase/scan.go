package dbase

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Cell converters for result maps. Drivers disagree on the Go type a
// column scans into (sqlite keeps timestamps and uuids as text), so
// upper layers go through these instead of type-asserting.

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func AsBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		return b != 0, true
	case int:
		return b != 0, true
	case float64:
		return b != 0, true
	}
	return false, false
}

func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// AsFloat64 also accepts text cells; pq hands NUMERIC columns over as
// their decimal text form.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}, false
}

// AsTimePtr returns nil for NULL cells and for values that do not decode
// as a timestamp.
func AsTimePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	if t, ok := AsTime(v); ok {
		return &t
	}
	return nil
}

func AsUUID(v any) (uuid.UUID, bool) {
	switch u := v.(type) {
	case uuid.UUID:
		return u, true
	case string:
		id, err := uuid.Parse(u)
		return id, err == nil
	case []byte:
		if len(u) == 16 {
			id, err := uuid.FromBytes(u)
			return id, err == nil
		}
		id, err := uuid.ParseBytes(u)
		return id, err == nil
	}
	return uuid.Nil, false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
