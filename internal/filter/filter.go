// Package filter turns structured filter documents into parameterised SQL.
// Every literal from the input is emitted as a positional bind parameter;
// identifiers pass a strict gate and are double-quoted. Malformed input is
// rejected with VALIDATION_ERROR before any SQL is assembled.
package filter

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OrderTerm is one ORDER BY entry.
type OrderTerm struct {
	Field string
	Desc  bool
}

// Query is a parsed, validated filter document ready for lowering.
type Query struct {
	Select  []string
	Order   []OrderTerm
	Limit   int // -1 when absent
	Offset  int // -1 when absent
	Trashed string

	where      node
	trashedSet bool
}

// Parse validates a filter document {select?, where?, order?, limit?,
// offset?, options?} and returns the executable query. A nil document
// parses to the match-everything query.
func Parse(doc map[string]any) (*Query, error) {
	q := &Query{
		Limit:   -1,
		Offset:  -1,
		Trashed: system.TrashedExclude,
	}
	if doc == nil {
		return q, nil
	}

	for key := range doc {
		switch key {
		case "select", "where", "order", "limit", "offset", "options":
		default:
			return nil, errors.ValidationMsg(fmt.Sprintf("unknown filter key %q", key))
		}
	}

	if raw, ok := doc["select"]; ok {
		cols, err := parseSelect(raw)
		if err != nil {
			return nil, err
		}
		q.Select = cols
	}

	if raw, ok := doc["where"]; ok {
		w, err := parseWhere(raw)
		if err != nil {
			return nil, err
		}
		q.where = w
	}

	if raw, ok := doc["order"]; ok {
		order, err := parseOrder(raw)
		if err != nil {
			return nil, err
		}
		q.Order = order
	}

	if raw, ok := doc["limit"]; ok && raw != nil {
		n, err := parseBound("limit", raw)
		if err != nil {
			return nil, err
		}
		q.Limit = n
	}

	if raw, ok := doc["offset"]; ok && raw != nil {
		n, err := parseBound("offset", raw)
		if err != nil {
			return nil, err
		}
		q.Offset = n
	}

	if raw, ok := doc["options"]; ok && raw != nil {
		if err := q.parseOptions(raw); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// HasWhere reports whether the document carried any user predicates.
func (q *Query) HasWhere() bool {
	return q.where != nil
}

// TrashedExplicit reports whether the document itself selected a
// soft-delete visibility. Callers fall back to the request option when
// it did not.
func (q *Query) TrashedExplicit() bool {
	return q.trashedSet
}

// Columns lists every identifier the query references: the projection,
// order terms and where predicates. Callers verify these against the
// model before execution.
func (q *Query) Columns() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name == "" || name == "*" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, c := range q.Select {
		add(c)
	}
	for _, o := range q.Order {
		add(o.Field)
	}
	collectColumns(q.where, add)
	return out
}

func collectColumns(n node, add func(string)) {
	switch t := n.(type) {
	case *logicalNode:
		for _, kid := range t.kids {
			collectColumns(kid, add)
		}
	case *notNode:
		collectColumns(t.kid, add)
	case *predNode:
		add(t.column)
	}
}

func parseSelect(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			list = make([]any, len(strs))
			for i, s := range strs {
				list[i] = s
			}
		} else {
			return nil, errors.ValidationMsg("select must be an array of column names")
		}
	}

	cols := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, errors.ValidationMsg("select must be an array of column names")
		}
		if !identRe.MatchString(s) {
			return nil, errors.ValidationMsg(fmt.Sprintf("invalid identifier %q", s))
		}
		cols = append(cols, s)
	}
	return cols, nil
}

func parseOrder(raw any) ([]OrderTerm, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.ValidationMsg("order must be an array of {field, sort} objects")
	}

	terms := make([]OrderTerm, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, errors.ValidationMsg("order must be an array of {field, sort} objects")
		}
		field, _ := m["field"].(string)
		if !identRe.MatchString(field) {
			return nil, errors.ValidationMsg(fmt.Sprintf("invalid order field %q", field))
		}

		term := OrderTerm{Field: field}
		if rawSort, ok := m["sort"]; ok && rawSort != nil {
			s, ok := rawSort.(string)
			if !ok {
				return nil, errors.ValidationMsg("order sort must be 'asc' or 'desc'")
			}
			switch strings.ToLower(s) {
			case "asc":
			case "desc":
				term.Desc = true
			default:
				return nil, errors.ValidationMsg("order sort must be 'asc' or 'desc'")
			}
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseBound(name string, raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, errors.ValidationMsg(name + " must be a non-negative integer")
		}
		return int(v), nil
	case int:
		if v < 0 {
			return 0, errors.ValidationMsg(name + " must be a non-negative integer")
		}
		return v, nil
	case int64:
		if v < 0 {
			return 0, errors.ValidationMsg(name + " must be a non-negative integer")
		}
		return int(v), nil
	default:
		return 0, errors.ValidationMsg(name + " must be a non-negative integer")
	}
}

func (q *Query) parseOptions(raw any) error {
	m, ok := raw.(map[string]any)
	if !ok {
		return errors.ValidationMsg("options must be an object")
	}
	if rawTrashed, ok := m["trashed"]; ok && rawTrashed != nil {
		s, ok := rawTrashed.(string)
		if !ok {
			return errors.ValidationMsg("options.trashed must be 'exclude', 'include' or 'only'")
		}
		switch s {
		case system.TrashedExclude, system.TrashedInclude, system.TrashedOnly:
			q.Trashed = s
			q.trashedSet = true
		default:
			return errors.ValidationMsg("options.trashed must be 'exclude', 'include' or 'only'")
		}
	}
	return nil
}

// sortedKeys gives deterministic traversal over input maps so the same
// document always lowers to the same SQL. The pattern cache keys on the
// generated text.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
