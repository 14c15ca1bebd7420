package filter

import (
	"fmt"
	"strings"

	"github.com/stratumhq/stratum-backend/pkg/errors"
)

var aggregateFns = map[string]string{
	"$sum":      "SUM",
	"$avg":      "AVG",
	"$min":      "MIN",
	"$max":      "MAX",
	"$count":    "COUNT",
	"$distinct": "COUNT", // lowered as COUNT(DISTINCT col)
}

// ToAggregateSQL lowers the query predicates plus an aggregation map,
// e.g. {"total": {"$sum": "amount"}}, into a single SELECT. Group
// columns are projected ahead of the aggregates and repeated in the
// GROUP BY clause.
func (q *Query) ToAggregateSQL(table string, aggs map[string]any, groupBy []string) (string, []any, error) {
	if !identRe.MatchString(table) {
		return "", nil, errors.ValidationMsg(fmt.Sprintf("invalid table name %q", table))
	}
	if len(aggs) == 0 {
		return "", nil, errors.ValidationMsg("at least one aggregation is required")
	}

	var exprs []string
	for _, g := range groupBy {
		if !identRe.MatchString(g) {
			return "", nil, errors.ValidationMsg(fmt.Sprintf("invalid group_by column %q", g))
		}
		exprs = append(exprs, quoteIdent(g))
	}

	for _, alias := range sortedKeys(aggs) {
		expr, err := aggregateExpr(alias, aggs[alias])
		if err != nil {
			return "", nil, err
		}
		exprs = append(exprs, expr)
	}

	b := newSQLBuilder(1)
	where, err := q.conditions(b)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(exprs, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" WHERE ")
	sb.WriteString(where)

	if len(groupBy) > 0 {
		cols := make([]string, len(groupBy))
		for i, g := range groupBy {
			cols[i] = quoteIdent(g)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(cols, ", "))
	}

	return sb.String(), b.params, nil
}

func aggregateExpr(alias string, raw any) (string, error) {
	if !identRe.MatchString(alias) {
		return "", errors.ValidationMsg(fmt.Sprintf("invalid aggregation alias %q", alias))
	}

	doc, ok := raw.(map[string]any)
	if !ok || len(doc) != 1 {
		return "", errors.ValidationMsg(fmt.Sprintf("aggregation %q must hold exactly one function", alias))
	}

	for fn, operand := range doc {
		sqlFn, ok := aggregateFns[fn]
		if !ok {
			return "", errors.ValidationMsg(fmt.Sprintf("unknown aggregation function %q", fn))
		}

		col, ok := operand.(string)
		if !ok {
			return "", errors.ValidationMsg(fmt.Sprintf("aggregation %q operand must be a column name", alias))
		}

		var inner string
		switch {
		case fn == "$count" && col == "*":
			inner = "*"
		case !identRe.MatchString(col):
			return "", errors.ValidationMsg(fmt.Sprintf("invalid aggregation column %q", col))
		case fn == "$distinct":
			inner = "DISTINCT " + quoteIdent(col)
		default:
			inner = quoteIdent(col)
		}
		return sqlFn + "(" + inner + ") AS " + quoteIdent(alias), nil
	}
	return "", errors.ValidationMsg(fmt.Sprintf("aggregation %q must hold exactly one function", alias))
}
