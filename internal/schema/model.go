// Package schema stores model and field definitions as first-class
// records, validates record payloads against them and emits the DDL
// that materialises each model as a backing table.
package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/pkg/dbase"
)

const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusSystem  = "system"
)

// NameRe gates model and field names. Both become SQL identifiers.
var NameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

var wireTypes = map[string]bool{
	"text": true, "integer": true, "decimal": true, "numeric": true,
	"boolean": true, "timestamp": true, "date": true, "uuid": true,
	"jsonb": true, "binary": true, "bigserial": true,
}

// ValidFieldType reports whether t is a recognised wire type, array
// forms included. bigserial cannot be an array.
func ValidFieldType(t string) bool {
	base := strings.TrimSuffix(t, "[]")
	if base != t && base == "bigserial" {
		return false
	}
	return wireTypes[base]
}

// baseColumns are owned by the pipeline and present on every record.
var baseColumns = map[string]bool{
	"id": true, "created_at": true, "updated_at": true,
	"trashed_at": true, "deleted_at": true,
	"access_read": true, "access_edit": true, "access_full": true, "access_deny": true,
}

// IsBaseColumn reports whether name is a pipeline-owned record column.
func IsBaseColumn(name string) bool {
	return baseColumns[name]
}

// BaseColumnNames returns the pipeline-owned columns in DDL order.
func BaseColumnNames() []string {
	return []string{
		"id", "created_at", "updated_at", "trashed_at", "deleted_at",
		"access_read", "access_edit", "access_full", "access_deny",
	}
}

// Model is a record type defined at runtime.
type Model struct {
	ID          uuid.UUID  `json:"id"`
	ModelName   string     `json:"model_name"`
	Status      string     `json:"status"`
	Sudo        bool       `json:"sudo"`
	Frozen      bool       `json:"frozen"`
	Immutable   bool       `json:"immutable"`
	External    bool       `json:"external"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TrashedAt   *time.Time `json:"trashed_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

func (m *Model) IsSystem() bool {
	return m.Status == StatusSystem
}

// Field is a typed attribute of a model, backed by a column.
type Field struct {
	ID           uuid.UUID `json:"id"`
	ModelName    string    `json:"model_name"`
	FieldName    string    `json:"field_name"`
	Type         string    `json:"type"`
	Required     bool      `json:"required"`
	DefaultValue *string   `json:"default_value,omitempty"`
	Description  string    `json:"description,omitempty"`

	Minimum    *float64 `json:"minimum,omitempty"`
	Maximum    *float64 `json:"maximum,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	EnumValues []string `json:"enum_values,omitempty"`
	IsArray    bool     `json:"is_array"`

	Unique     bool `json:"unique"`
	Index      bool `json:"index"`
	Searchable bool `json:"searchable"`
	Immutable  bool `json:"immutable"`
	Sudo       bool `json:"sudo"`
	Tracked    bool `json:"tracked"`
	Transform  bool `json:"transform"`

	RelationshipType     string `json:"relationship_type,omitempty"`
	RelatedModel         string `json:"related_model,omitempty"`
	RelatedField         string `json:"related_field,omitempty"`
	RelationshipName     string `json:"relationship_name,omitempty"`
	CascadeDelete        bool   `json:"cascade_delete"`
	RequiredRelationship bool   `json:"required_relationship"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	TrashedAt *time.Time `json:"trashed_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// BaseType strips the array suffix. An is_array field declared with a
// plain type still reports its element type here.
func (f *Field) BaseType() string {
	return strings.TrimSuffix(f.Type, "[]")
}

// Array reports whether values of this field are arrays, whether
// declared by type suffix or by the is_array flag.
func (f *Field) Array() bool {
	return f.IsArray || strings.HasSuffix(f.Type, "[]")
}

// Schema is the materialised definition of one model.
type Schema struct {
	Model  *Model
	Fields []*Field

	fields map[string]*Field
}

func NewSchema(m *Model, fields []*Field) *Schema {
	s := &Schema{Model: m, Fields: fields, fields: make(map[string]*Field, len(fields))}
	for _, f := range fields {
		s.fields[f.FieldName] = f
	}
	return s
}

func (s *Schema) IsSystem() bool {
	return s.Model.IsSystem()
}

// Field returns the definition for name, or nil.
func (s *Schema) Field(name string) *Field {
	return s.fields[name]
}

// TableName is the backing table, identical to the model name.
func (s *Schema) TableName() string {
	return s.Model.ModelName
}

// TrackedFields lists the fields that participate in change history.
func (s *Schema) TrackedFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Tracked {
			names = append(names, f.FieldName)
		}
	}
	return names
}

// ModelFromRow decodes a models row.
func ModelFromRow(row map[string]any) *Model {
	m := &Model{}
	if id, ok := dbase.AsUUID(row["id"]); ok {
		m.ID = id
	}
	m.ModelName, _ = dbase.AsString(row["model_name"])
	m.Status, _ = dbase.AsString(row["status"])
	m.Sudo, _ = dbase.AsBool(row["sudo"])
	m.Frozen, _ = dbase.AsBool(row["frozen"])
	m.Immutable, _ = dbase.AsBool(row["immutable"])
	m.External, _ = dbase.AsBool(row["external"])
	m.Description, _ = dbase.AsString(row["description"])
	if ts, ok := dbase.AsTime(row["created_at"]); ok {
		m.CreatedAt = ts
	}
	if ts, ok := dbase.AsTime(row["updated_at"]); ok {
		m.UpdatedAt = ts
	}
	m.TrashedAt = dbase.AsTimePtr(row["trashed_at"])
	m.DeletedAt = dbase.AsTimePtr(row["deleted_at"])
	return m
}

// FieldFromRow decodes a fields row. The dialect decodes enum_values,
// which arrives in driver-specific array form.
func FieldFromRow(d dbase.Dialect, row map[string]any) *Field {
	f := &Field{}
	if id, ok := dbase.AsUUID(row["id"]); ok {
		f.ID = id
	}
	f.ModelName, _ = dbase.AsString(row["model_name"])
	f.FieldName, _ = dbase.AsString(row["field_name"])
	f.Type, _ = dbase.AsString(row["type"])
	f.Required, _ = dbase.AsBool(row["required"])
	if v, ok := dbase.AsString(row["default_value"]); ok && row["default_value"] != nil {
		f.DefaultValue = &v
	}
	f.Description, _ = dbase.AsString(row["description"])

	if row["minimum"] != nil {
		if v, ok := dbase.AsFloat64(row["minimum"]); ok {
			f.Minimum = &v
		}
	}
	if row["maximum"] != nil {
		if v, ok := dbase.AsFloat64(row["maximum"]); ok {
			f.Maximum = &v
		}
	}
	f.Pattern, _ = dbase.AsString(row["pattern"])
	if row["enum_values"] != nil {
		if elems, err := d.DecodeArray(row["enum_values"], "text"); err == nil {
			for _, e := range elems {
				if s, ok := dbase.AsString(e); ok {
					f.EnumValues = append(f.EnumValues, s)
				}
			}
		}
	}
	f.IsArray, _ = dbase.AsBool(row["is_array"])

	f.Unique, _ = dbase.AsBool(row["unique"])
	f.Index, _ = dbase.AsBool(row["index"])
	f.Searchable, _ = dbase.AsBool(row["searchable"])
	f.Immutable, _ = dbase.AsBool(row["immutable"])
	f.Sudo, _ = dbase.AsBool(row["sudo"])
	f.Tracked, _ = dbase.AsBool(row["tracked"])
	f.Transform, _ = dbase.AsBool(row["transform"])

	f.RelationshipType, _ = dbase.AsString(row["relationship_type"])
	f.RelatedModel, _ = dbase.AsString(row["related_model"])
	f.RelatedField, _ = dbase.AsString(row["related_field"])
	f.RelationshipName, _ = dbase.AsString(row["relationship_name"])
	f.CascadeDelete, _ = dbase.AsBool(row["cascade_delete"])
	f.RequiredRelationship, _ = dbase.AsBool(row["required_relationship"])

	if ts, ok := dbase.AsTime(row["created_at"]); ok {
		f.CreatedAt = ts
	}
	if ts, ok := dbase.AsTime(row["updated_at"]); ok {
		f.UpdatedAt = ts
	}
	f.TrashedAt = dbase.AsTimePtr(row["trashed_at"])
	f.DeletedAt = dbase.AsTimePtr(row["deleted_at"])
	return f
}
