package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// ValidateRecord checks rec against the schema and coerces values to
// their canonical Go forms in place. Base columns are pipeline-owned
// and pass through untouched; unknown keys are rejected. All problems
// are collected into one validation error.
func (s *Schema) ValidateRecord(rec map[string]any) error {
	details := map[string]string{}

	for _, f := range s.Fields {
		v, present := rec[f.FieldName]
		if !present || v == nil {
			if f.Required {
				details[f.FieldName] = "is required"
			}
			continue
		}

		coerced, err := coerceField(f, v)
		if err != nil {
			details[f.FieldName] = err.Error()
			continue
		}
		if msg := checkConstraints(f, coerced); msg != "" {
			details[f.FieldName] = msg
			continue
		}
		rec[f.FieldName] = coerced
	}

	for k := range rec {
		if IsBaseColumn(k) {
			continue
		}
		if s.fields[k] == nil {
			details[k] = "unknown field"
		}
	}

	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

func coerceField(f *Field, v any) (any, error) {
	if f.Array() {
		list, ok := asList(v)
		if !ok {
			return nil, fmt.Errorf("must be an array of %s", f.BaseType())
		}
		out := make([]any, len(list))
		for i, e := range list {
			c, err := coerceScalar(f.BaseType(), e, true)
			if err != nil {
				return nil, fmt.Errorf("element %d %s", i, err)
			}
			out[i] = c
		}
		return out, nil
	}

	if _, isList := v.([]any); isList {
		return nil, fmt.Errorf("must be a single %s value", f.BaseType())
	}
	return coerceScalar(f.BaseType(), v, false)
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// coerceScalar converts one value into its canonical bind form. String
// renditions are accepted because the shell surface only produces
// strings. Inside arrays timestamps stay textual so the driver can bind
// the whole array in one parameter.
func coerceScalar(base string, v any, inArray bool) (any, error) {
	switch base {
	case "text":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("must be a string")

	case "integer", "bigserial":
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("must be an integer")
			}
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("must be an integer")
			}
			return i, nil
		}
		return nil, fmt.Errorf("must be an integer")

	case "decimal", "numeric":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			fl, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("must be a number")
			}
			return fl, nil
		}
		return nil, fmt.Errorf("must be a number")

	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
			return nil, fmt.Errorf("must be a boolean")
		case int:
			return b != 0, nil
		case int64:
			return b != 0, nil
		}
		return nil, fmt.Errorf("must be a boolean")

	case "timestamp", "date":
		var t time.Time
		switch ts := v.(type) {
		case time.Time:
			t = ts
		case string:
			parsed, ok := dbase.AsTime(ts)
			if !ok {
				return nil, fmt.Errorf("must be a timestamp")
			}
			t = parsed
		default:
			return nil, fmt.Errorf("must be a timestamp")
		}
		if inArray {
			return t.Format(time.RFC3339Nano), nil
		}
		return t, nil

	case "uuid":
		switch u := v.(type) {
		case uuid.UUID:
			return u.String(), nil
		case string:
			id, err := uuid.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("must be a uuid")
			}
			return id.String(), nil
		}
		return nil, fmt.Errorf("must be a uuid")

	case "jsonb":
		if s, ok := v.(string); ok {
			if json.Valid([]byte(s)) {
				return s, nil
			}
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("must be a json value")
		}
		return string(buf), nil

	case "binary":
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			raw, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("must be base64 encoded")
			}
			return raw, nil
		}
		return nil, fmt.Errorf("must be base64 encoded")
	}

	return nil, fmt.Errorf("has unsupported type %q", base)
}

func checkConstraints(f *Field, v any) string {
	if f.Array() {
		list := v.([]any)
		if msg := boundsCheck(f, float64(len(list)), "elements"); msg != "" {
			return msg
		}
		for _, e := range list {
			if msg := valueChecks(f, e); msg != "" {
				return msg
			}
		}
		return ""
	}

	switch f.BaseType() {
	case "integer", "bigserial":
		if msg := boundsCheck(f, float64(v.(int64)), ""); msg != "" {
			return msg
		}
	case "decimal", "numeric":
		if msg := boundsCheck(f, v.(float64), ""); msg != "" {
			return msg
		}
	case "text":
		if msg := boundsCheck(f, float64(utf8.RuneCountInString(v.(string))), "characters"); msg != "" {
			return msg
		}
	}
	return valueChecks(f, v)
}

func boundsCheck(f *Field, n float64, unit string) string {
	if f.Minimum != nil && n < *f.Minimum {
		if unit != "" {
			return fmt.Sprintf("must have at least %g %s", *f.Minimum, unit)
		}
		return fmt.Sprintf("must be at least %g", *f.Minimum)
	}
	if f.Maximum != nil && n > *f.Maximum {
		if unit != "" {
			return fmt.Sprintf("must have at most %g %s", *f.Maximum, unit)
		}
		return fmt.Sprintf("must be at most %g", *f.Maximum)
	}
	return ""
}

func valueChecks(f *Field, v any) string {
	if f.Pattern != "" {
		if s, ok := v.(string); ok {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return "has an invalid pattern definition"
			}
			if !re.MatchString(s) {
				return "does not match pattern " + f.Pattern
			}
		}
	}

	if len(f.EnumValues) > 0 {
		val := enumForm(v)
		for _, e := range f.EnumValues {
			if e == val {
				return ""
			}
		}
		return "must be one of " + strings.Join(f.EnumValues, ", ")
	}
	return ""
}

func enumForm(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case int64:
		return strconv.FormatInt(e, 10)
	case float64:
		return strconv.FormatFloat(e, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(e)
	case time.Time:
		return e.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
