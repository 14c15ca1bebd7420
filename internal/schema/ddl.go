package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// typeWidenings lists the column type changes that never lose data.
// Anything else, the array flag included, is rejected.
var typeWidenings = map[string]map[string]bool{
	"integer": {"decimal": true, "numeric": true},
	"decimal": {"numeric": true},
	"numeric": {"decimal": true},
	"date":    {"timestamp": true},
}

// CreateDDL renders the backing table and its secondary indexes. The
// table is empty at creation time, so required fields may carry NOT
// NULL unconditionally.
func (s *Schema) CreateDDL(d dbase.Dialect) ([]string, error) {
	model := s.Model.ModelName
	if !NameRe.MatchString(model) {
		return nil, errors.ValidationMsg(fmt.Sprintf("invalid model name %q", model))
	}

	cols := make([]string, 0, 9+len(s.Fields))
	for _, name := range BaseColumnNames() {
		wire := "timestamp"
		switch {
		case name == "id":
			wire = "uuid"
		case strings.HasPrefix(name, "access_"):
			wire = "uuid[]"
		}
		t, err := d.ColumnType(wire)
		if err != nil {
			return nil, err
		}
		line := quoteIdent(name) + " " + t
		if name == "id" {
			line += " PRIMARY KEY"
		} else if name == "created_at" || name == "updated_at" {
			line += " NOT NULL"
		}
		cols = append(cols, line)
	}

	var indexes []string
	for _, f := range s.Fields {
		line, err := columnDef(d, f, f.Required)
		if err != nil {
			return nil, err
		}
		if f.Unique {
			line += " UNIQUE"
		}
		cols = append(cols, line)

		if f.Index {
			indexes = append(indexes, indexDDL(model, f.FieldName, false))
		}
	}

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + quoteIdent(model) +
			" (\n\t" + strings.Join(cols, ",\n\t") + "\n)",
	}
	return append(stmts, indexes...), nil
}

// AddColumnDDL renders the ALTER steps for a new field. NOT NULL is
// only emitted when a default exists, or when the table is empty on a
// backend that allows it.
func AddColumnDDL(d dbase.Dialect, model string, f *Field, tableEmpty bool) ([]string, error) {
	if !NameRe.MatchString(model) {
		return nil, errors.ValidationMsg(fmt.Sprintf("invalid model name %q", model))
	}

	notNull := f.Required && (f.DefaultValue != nil || (tableEmpty && d.Name() == "postgres"))
	line, err := columnDef(d, f, notNull)
	if err != nil {
		return nil, err
	}

	stmts := []string{"ALTER TABLE " + quoteIdent(model) + " ADD COLUMN " + line}
	if f.Unique {
		stmts = append(stmts, indexDDL(model, f.FieldName, true))
	} else if f.Index {
		stmts = append(stmts, indexDDL(model, f.FieldName, false))
	}
	return stmts, nil
}

// AlterColumnDDL validates a type change and renders the ALTER COLUMN
// statement where the backend needs one. Identical types mean a
// metadata-only edit and produce no statements.
func AlterColumnDDL(d dbase.Dialect, model string, oldField, newField *Field) ([]string, error) {
	if oldField.Array() != newField.Array() {
		return nil, errors.ValidationMsg("cannot change a field between scalar and array")
	}

	oldBase, newBase := oldField.BaseType(), newField.BaseType()
	if oldBase == newBase {
		return nil, nil
	}
	if !typeWidenings[oldBase][newBase] {
		return nil, errors.ValidationMsg(fmt.Sprintf("cannot change field type from %q to %q", oldField.Type, newField.Type))
	}

	// sqlite column affinity absorbs widening without DDL.
	if d.Name() != "postgres" {
		return nil, nil
	}

	wire := newBase
	if newField.Array() {
		wire += "[]"
	}
	t, err := d.ColumnType(wire)
	if err != nil {
		return nil, err
	}
	return []string{
		"ALTER TABLE " + quoteIdent(model) + " ALTER COLUMN " + quoteIdent(newField.FieldName) + " TYPE " + t,
	}, nil
}

// DropColumnDDL renders the column removal statement.
func DropColumnDDL(d dbase.Dialect, model, field string) string {
	if d.Name() == "postgres" {
		return "ALTER TABLE " + quoteIdent(model) + " DROP COLUMN IF EXISTS " + quoteIdent(field)
	}
	return "ALTER TABLE " + quoteIdent(model) + " DROP COLUMN " + quoteIdent(field)
}

// DropTableDDL renders the backing table removal for a soft-deleted
// model.
func DropTableDDL(model string) string {
	return "DROP TABLE IF EXISTS " + quoteIdent(model)
}

func columnDef(d dbase.Dialect, f *Field, notNull bool) (string, error) {
	if !NameRe.MatchString(f.FieldName) {
		return "", errors.ValidationMsg(fmt.Sprintf("invalid field name %q", f.FieldName))
	}
	if !ValidFieldType(f.Type) {
		return "", errors.ValidationMsg(fmt.Sprintf("unknown field type %q", f.Type))
	}

	wire := f.Type
	if f.IsArray && !strings.HasSuffix(wire, "[]") {
		wire += "[]"
	}
	t, err := d.ColumnType(wire)
	if err != nil {
		return "", err
	}

	line := quoteIdent(f.FieldName) + " " + t
	if f.DefaultValue != nil {
		lit, err := defaultLiteral(f)
		if err != nil {
			return "", err
		}
		line += " DEFAULT " + lit
	}
	if notNull {
		line += " NOT NULL"
	}
	return line, nil
}

func defaultLiteral(f *Field) (string, error) {
	if f.Array() {
		return "", errors.ValidationMsg(fmt.Sprintf("array field %q cannot have a default value", f.FieldName))
	}

	raw := *f.DefaultValue
	switch f.BaseType() {
	case "integer", "bigserial":
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return "", errors.ValidationMsg(fmt.Sprintf("default for %q must be an integer", f.FieldName))
		}
		return raw, nil
	case "decimal", "numeric":
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return "", errors.ValidationMsg(fmt.Sprintf("default for %q must be a number", f.FieldName))
		}
		return raw, nil
	case "boolean":
		switch strings.ToLower(raw) {
		case "true":
			return "TRUE", nil
		case "false":
			return "FALSE", nil
		}
		return "", errors.ValidationMsg(fmt.Sprintf("default for %q must be a boolean", f.FieldName))
	default:
		return "'" + strings.ReplaceAll(raw, "'", "''") + "'", nil
	}
}

func indexDDL(model, field string, unique bool) string {
	kind := "INDEX"
	prefix := "idx_"
	if unique {
		kind = "UNIQUE INDEX"
		prefix = "uniq_"
	}
	return "CREATE " + kind + " IF NOT EXISTS " + quoteIdent(prefix+model+"_"+field) +
		" ON " + quoteIdent(model) + " (" + quoteIdent(field) + ")"
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
