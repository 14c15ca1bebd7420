package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// sqlBuilder collects bind parameters while the tree is lowered. Positions
// are absolute so a clause can be spliced after existing parameters.
type sqlBuilder struct {
	params []any
	next   int
}

func newSQLBuilder(startIndex int) *sqlBuilder {
	if startIndex < 1 {
		startIndex = 1
	}
	return &sqlBuilder{next: startIndex}
}

func (b *sqlBuilder) bind(v any) string {
	b.params = append(b.params, v)
	n := b.next
	b.next++
	return "$" + strconv.Itoa(n)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// ToSelectSQL lowers the query to a SELECT over the given table. The
// soft-delete guard and the trashed option are always applied after the
// user predicates.
func (q *Query) ToSelectSQL(table string) (string, []any, error) {
	if !identRe.MatchString(table) {
		return "", nil, errors.ValidationMsg(fmt.Sprintf("invalid table name %q", table))
	}

	b := newSQLBuilder(1)
	var sb strings.Builder

	sb.WriteString("SELECT ")
	if len(q.Select) == 0 {
		sb.WriteString("*")
	} else {
		cols := make([]string, len(q.Select))
		for i, c := range q.Select {
			cols[i] = quoteIdent(c)
		}
		sb.WriteString(strings.Join(cols, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(table))

	where, err := q.conditions(b)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(where)

	if len(q.Order) > 0 {
		sb.WriteString(" ORDER BY ")
		terms := make([]string, len(q.Order))
		for i, t := range q.Order {
			dir := " ASC"
			if t.Desc {
				dir = " DESC"
			}
			terms[i] = quoteIdent(t.Field) + dir
		}
		sb.WriteString(strings.Join(terms, ", "))
	}

	// OFFSET without LIMIT is ignored.
	if q.Limit >= 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.bind(q.Limit))
		if q.Offset >= 0 {
			sb.WriteString(" OFFSET ")
			sb.WriteString(b.bind(q.Offset))
		}
	}

	return sb.String(), b.params, nil
}

// ToCountSQL lowers the query to a COUNT over the same predicate set.
// Order, limit and offset do not apply.
func (q *Query) ToCountSQL(table string) (string, []any, error) {
	if !identRe.MatchString(table) {
		return "", nil, errors.ValidationMsg(fmt.Sprintf("invalid table name %q", table))
	}

	b := newSQLBuilder(1)
	where, err := q.conditions(b)
	if err != nil {
		return "", nil, err
	}
	sql := `SELECT COUNT(*) AS "count" FROM ` + quoteIdent(table) + " WHERE " + where
	return sql, b.params, nil
}

// WhereClause renders the predicate set alone, soft-delete guard included,
// with parameters numbered from startIndex. Callers splice it into their
// own statements.
func (q *Query) WhereClause(startIndex int) (string, []any, error) {
	b := newSQLBuilder(startIndex)
	where, err := q.conditions(b)
	if err != nil {
		return "", nil, err
	}
	return where, b.params, nil
}

// EnsureColumns appends any missing columns to a non-empty projection and
// returns the ones that were added. A SELECT * projection needs nothing.
func (q *Query) EnsureColumns(cols ...string) []string {
	if len(q.Select) == 0 {
		return nil
	}
	present := make(map[string]bool, len(q.Select))
	for _, c := range q.Select {
		present[c] = true
	}
	var added []string
	for _, c := range cols {
		if !present[c] {
			q.Select = append(q.Select, c)
			present[c] = true
			added = append(added, c)
		}
	}
	return added
}

func (q *Query) conditions(b *sqlBuilder) (string, error) {
	var conds []string
	if q.where != nil {
		s, err := q.where.toSQL(b)
		if err != nil {
			return "", err
		}
		conds = append(conds, s)
	}

	conds = append(conds, `"deleted_at" IS NULL`)
	switch q.Trashed {
	case system.TrashedInclude:
	case system.TrashedOnly:
		conds = append(conds, `"trashed_at" IS NOT NULL`)
	default:
		conds = append(conds, `"trashed_at" IS NULL`)
	}
	return strings.Join(conds, " AND "), nil
}

func (l *logicalNode) toSQL(b *sqlBuilder) (string, error) {
	parts := make([]string, 0, len(l.kids))
	for _, kid := range l.kids {
		s, err := kid.toSQL(b)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}

	joiner := " AND "
	if l.op == opOr || l.op == opNor {
		joiner = " OR "
	}
	body := "(" + strings.Join(parts, joiner) + ")"
	if l.op == opNand || l.op == opNor {
		return "NOT " + body, nil
	}
	return body, nil
}

func (n *notNode) toSQL(b *sqlBuilder) (string, error) {
	s, err := n.kid.toSQL(b)
	if err != nil {
		return "", err
	}
	return "NOT (" + s + ")", nil
}

func (p *predNode) toSQL(b *sqlBuilder) (string, error) {
	col := quoteIdent(p.column)

	switch p.op {
	case "$eq":
		if p.operand == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + b.bind(p.operand), nil

	case "$ne":
		if p.operand == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " != " + b.bind(p.operand), nil

	case "$gt":
		return col + " > " + b.bind(p.operand), nil
	case "$gte":
		return col + " >= " + b.bind(p.operand), nil
	case "$lt":
		return col + " < " + b.bind(p.operand), nil
	case "$lte":
		return col + " <= " + b.bind(p.operand), nil

	case "$in":
		return p.membership(b, col, false)
	case "$nin":
		return p.membership(b, col, true)

	case "$like":
		return col + " LIKE " + b.bind(p.operand), nil
	case "$nlike":
		return col + " NOT LIKE " + b.bind(p.operand), nil
	case "$ilike":
		return col + " ILIKE " + b.bind(p.operand), nil
	case "$nilike":
		return col + " NOT ILIKE " + b.bind(p.operand), nil

	case "$regex":
		return col + " ~ " + b.bind(p.operand), nil
	case "$nregex":
		return col + " !~ " + b.bind(p.operand), nil

	case "$text", "$find":
		s := p.operand.(string)
		return "CAST(" + col + " AS TEXT) ILIKE " + b.bind("%"+s+"%"), nil

	case "$any":
		return col + " && " + b.bind(p.operand), nil
	case "$nany":
		return "NOT (" + col + " && " + b.bind(p.operand) + ")", nil
	case "$all":
		return col + " @> " + b.bind(p.operand), nil
	case "$nall":
		return "NOT (" + col + " @> " + b.bind(p.operand) + ")", nil

	case "$size":
		expr := "COALESCE(array_length(" + col + ", 1), 0)"
		if m, ok := p.operand.(map[string]any); ok {
			for op, inner := range m {
				return expr + " " + sizeSQLOp(op) + " " + b.bind(inner), nil
			}
		}
		return expr + " = " + b.bind(p.operand), nil

	case "$between":
		list := p.operand.([]any)
		return col + " BETWEEN " + b.bind(list[0]) + " AND " + b.bind(list[1]), nil

	case "$exists":
		if p.operand.(bool) {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil

	case "$null":
		if p.operand.(bool) {
			return col + " IS NULL", nil
		}
		return col + " IS NOT NULL", nil
	}

	return "", errors.Internal(fmt.Sprintf("unhandled operator %q", p.op))
}

// membership lowers $in and $nin. Empty arrays short-circuit to a constant
// truth value instead of producing invalid SQL.
func (p *predNode) membership(b *sqlBuilder, col string, negate bool) (string, error) {
	list := p.operand.([]any)
	if len(list) == 0 {
		if negate {
			return "1 = 1", nil
		}
		return "1 = 0", nil
	}

	binds := make([]string, len(list))
	for i, e := range list {
		binds[i] = b.bind(e)
	}
	kw := " IN ("
	if negate {
		kw = " NOT IN ("
	}
	return col + kw + strings.Join(binds, ", ") + ")", nil
}

func sizeSQLOp(op string) string {
	switch op {
	case "$ne":
		return "!="
	case "$gt":
		return ">"
	case "$gte":
		return ">="
	case "$lt":
		return "<"
	case "$lte":
		return "<="
	default:
		return "="
	}
}
