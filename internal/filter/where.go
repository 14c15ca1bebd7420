package filter

import (
	"fmt"
	"strings"

	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// node is one element of the parsed WHERE tree.
type node interface {
	toSQL(b *sqlBuilder) (string, error)
}

type logicalNode struct {
	op   string // "$and", "$or", "$nand", "$nor"
	kids []node
}

type notNode struct {
	kid node
}

// predNode is a single column/operator/operand leaf. The operand has
// already been shape-checked during parsing.
type predNode struct {
	column  string
	op      string
	operand any
}

const (
	opAnd  = "$and"
	opOr   = "$or"
	opNand = "$nand"
	opNor  = "$nor"
	opNot  = "$not"
)

// comparisonOps maps field operators to their validators. Lowering lives
// in sql.go; parsing only guarantees the operand shape is legal.
var comparisonOps = map[string]func(field string, operand any) error{
	"$eq":      validateAnyScalar,
	"$ne":      validateAnyScalar,
	"$gt":      validateOrderedScalar,
	"$gte":     validateOrderedScalar,
	"$lt":      validateOrderedScalar,
	"$lte":     validateOrderedScalar,
	"$in":      validateScalarArray,
	"$nin":     validateScalarArray,
	"$like":    validateString,
	"$nlike":   validateString,
	"$ilike":   validateString,
	"$nilike":  validateString,
	"$regex":   validateString,
	"$nregex":  validateString,
	"$text":    validateString,
	"$find":    validateString,
	"$any":     validateScalarArray,
	"$nany":    validateScalarArray,
	"$all":     validateScalarArray,
	"$nall":    validateScalarArray,
	"$size":    validateSize,
	"$between": validateBetween,
	"$exists":  validateBool,
	"$null":    validateBool,
}

// sizeInnerOps are the operators allowed inside a nested $size document.
var sizeInnerOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

func parseWhere(raw any) (node, error) {
	switch w := raw.(type) {
	case nil:
		return nil, nil
	case string:
		// Bare string is shorthand for an id match.
		return &predNode{column: "id", op: "$eq", operand: w}, nil
	case map[string]any:
		return parseWhereMap(w)
	default:
		return nil, errors.ValidationMsg("where must be an object or a record id")
	}
}

func parseWhereMap(m map[string]any) (node, error) {
	if len(m) == 0 {
		return nil, nil
	}

	kids := make([]node, 0, len(m))
	for _, key := range sortedKeys(m) {
		val := m[key]
		var (
			n   node
			err error
		)
		if strings.HasPrefix(key, "$") {
			n, err = parseLogical(key, val)
		} else {
			n, err = parseFieldPred(key, val)
		}
		if err != nil {
			return nil, err
		}
		if n != nil {
			kids = append(kids, n)
		}
	}

	switch len(kids) {
	case 0:
		return nil, nil
	case 1:
		return kids[0], nil
	default:
		return &logicalNode{op: opAnd, kids: kids}, nil
	}
}

func parseLogical(op string, val any) (node, error) {
	switch op {
	case opAnd, opOr, opNand, opNor:
		list, ok := val.([]any)
		if !ok {
			return nil, errors.ValidationMsg(op + " requires an array of conditions")
		}
		if len(list) == 0 {
			return nil, errors.ValidationMsg(op + " requires at least one condition")
		}
		kids := make([]node, 0, len(list))
		for _, e := range list {
			sub, ok := e.(map[string]any)
			if !ok {
				return nil, errors.ValidationMsg(op + " conditions must be objects")
			}
			kid, err := parseWhereMap(sub)
			if err != nil {
				return nil, err
			}
			if kid == nil {
				return nil, errors.ValidationMsg(op + " conditions must not be empty")
			}
			kids = append(kids, kid)
		}
		return &logicalNode{op: op, kids: kids}, nil

	case opNot:
		sub, ok := val.(map[string]any)
		if !ok {
			return nil, errors.ValidationMsg("$not requires an object condition")
		}
		kid, err := parseWhereMap(sub)
		if err != nil {
			return nil, err
		}
		if kid == nil {
			return nil, errors.ValidationMsg("$not condition must not be empty")
		}
		return &notNode{kid: kid}, nil

	default:
		return nil, errors.ValidationMsg(fmt.Sprintf("unknown operator %q", op))
	}
}

func parseFieldPred(field string, val any) (node, error) {
	if !identRe.MatchString(field) {
		return nil, errors.ValidationMsg(fmt.Sprintf("invalid identifier %q", field))
	}

	switch v := val.(type) {
	case map[string]any:
		if len(v) == 0 {
			return nil, errors.ValidationMsg(fmt.Sprintf("empty operator document for field %q", field))
		}
		preds := make([]node, 0, len(v))
		for _, op := range sortedKeys(v) {
			operand := v[op]
			validate, ok := comparisonOps[op]
			if !ok {
				return nil, errors.ValidationMsg(fmt.Sprintf("unknown operator %q for field %q", op, field))
			}
			if err := validate(field, operand); err != nil {
				return nil, err
			}
			preds = append(preds, &predNode{column: field, op: op, operand: operand})
		}
		if len(preds) == 1 {
			return preds[0], nil
		}
		return &logicalNode{op: opAnd, kids: preds}, nil

	case []any:
		// Bare array means membership.
		if err := validateScalarArray(field, v); err != nil {
			return nil, err
		}
		return &predNode{column: field, op: "$in", operand: v}, nil

	default:
		// Scalar or null means equality.
		if err := validateAnyScalar(field, val); err != nil {
			return nil, err
		}
		return &predNode{column: field, op: "$eq", operand: val}, nil
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any, []string, []int, []float64:
		return false
	}
	return true
}

func validateAnyScalar(field string, operand any) error {
	if !isScalar(operand) {
		return errors.ValidationMsg(fmt.Sprintf("operand for field %q must be a scalar value", field))
	}
	return nil
}

func validateOrderedScalar(field string, operand any) error {
	if operand == nil || !isScalar(operand) {
		return errors.ValidationMsg(fmt.Sprintf("comparison operand for field %q must be a non-null scalar", field))
	}
	if _, ok := operand.(bool); ok {
		return errors.ValidationMsg(fmt.Sprintf("comparison operand for field %q must be a number or string", field))
	}
	return nil
}

func validateScalarArray(field string, operand any) error {
	list, ok := operand.([]any)
	if !ok {
		return errors.ValidationMsg(fmt.Sprintf("operand for field %q must be an array", field))
	}
	for _, e := range list {
		if !isScalar(e) {
			return errors.ValidationMsg(fmt.Sprintf("array operand for field %q must contain only scalar values", field))
		}
	}
	return nil
}

func validateString(field string, operand any) error {
	if _, ok := operand.(string); !ok {
		return errors.ValidationMsg(fmt.Sprintf("operand for field %q must be a string", field))
	}
	return nil
}

func validateBool(field string, operand any) error {
	if _, ok := operand.(bool); !ok {
		return errors.ValidationMsg(fmt.Sprintf("operand for field %q must be a boolean", field))
	}
	return nil
}

func validateNumber(field string, operand any) error {
	switch operand.(type) {
	case float64, int, int64:
		return nil
	}
	return errors.ValidationMsg(fmt.Sprintf("operand for field %q must be a number", field))
}

// validateSize accepts either a bare number or a single-operator document
// of ordered comparisons, e.g. {"$size": 3} or {"$size": {"$gt": 2}}.
func validateSize(field string, operand any) error {
	if m, ok := operand.(map[string]any); ok {
		if len(m) != 1 {
			return errors.ValidationMsg(fmt.Sprintf("$size document for field %q must hold exactly one operator", field))
		}
		for op, inner := range m {
			if !sizeInnerOps[op] {
				return errors.ValidationMsg(fmt.Sprintf("unknown operator %q in $size for field %q", op, field))
			}
			return validateNumber(field, inner)
		}
	}
	return validateNumber(field, operand)
}

func validateBetween(field string, operand any) error {
	list, ok := operand.([]any)
	if !ok || len(list) != 2 {
		return errors.ValidationMsg(fmt.Sprintf("$between for field %q requires an array of exactly two values", field))
	}
	for _, e := range list {
		if e == nil || !isScalar(e) {
			return errors.ValidationMsg(fmt.Sprintf("$between bounds for field %q must be non-null scalars", field))
		}
	}
	return nil
}
