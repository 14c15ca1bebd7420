package infra

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/pkg/dbase"
)

// coreModel is one seed table. The same definition renders the CREATE
// TABLE statement and the self-describing rows in models/fields, so the
// two can never drift apart.
type coreModel struct {
	Name        string
	Description string
	Fields      []coreField
}

type coreField struct {
	Name        string
	Type        string
	Required    bool
	Unique      bool
	Index       bool
	Sudo        bool
	Tracked     bool
	Default     string
	Description string
}

// baseColumns are carried by every record table, core and user-defined
// alike. They are not described in the fields table.
var baseColumns = []coreField{
	{Name: "id", Type: "uuid", Required: true},
	{Name: "created_at", Type: "timestamp", Required: true},
	{Name: "updated_at", Type: "timestamp", Required: true},
	{Name: "trashed_at", Type: "timestamp"},
	{Name: "deleted_at", Type: "timestamp"},
	{Name: "access_read", Type: "uuid[]"},
	{Name: "access_edit", Type: "uuid[]"},
	{Name: "access_full", Type: "uuid[]"},
	{Name: "access_deny", Type: "uuid[]"},
}

var coreModels = []coreModel{
	{
		Name:        "models",
		Description: "record type definitions",
		Fields: []coreField{
			{Name: "model_name", Type: "text", Required: true, Index: true},
			// The default satisfies required-field validation before the
			// create observer normalises the status.
			{Name: "status", Type: "text", Required: true, Default: "pending"},
			{Name: "sudo", Type: "boolean"},
			{Name: "frozen", Type: "boolean"},
			{Name: "immutable", Type: "boolean"},
			{Name: "external", Type: "boolean"},
			{Name: "description", Type: "text"},
		},
	},
	{
		Name:        "fields",
		Description: "typed attributes of models",
		Fields: []coreField{
			{Name: "model_name", Type: "text", Required: true, Index: true},
			{Name: "field_name", Type: "text", Required: true},
			{Name: "type", Type: "text", Required: true},
			{Name: "required", Type: "boolean"},
			{Name: "default_value", Type: "text"},
			{Name: "description", Type: "text"},
			{Name: "minimum", Type: "decimal"},
			{Name: "maximum", Type: "decimal"},
			{Name: "pattern", Type: "text"},
			{Name: "enum_values", Type: "text[]"},
			{Name: "is_array", Type: "boolean"},
			{Name: "unique", Type: "boolean"},
			{Name: "index", Type: "boolean"},
			{Name: "searchable", Type: "boolean"},
			{Name: "immutable", Type: "boolean"},
			{Name: "sudo", Type: "boolean"},
			{Name: "tracked", Type: "boolean"},
			{Name: "transform", Type: "boolean"},
			{Name: "relationship_type", Type: "text"},
			{Name: "related_model", Type: "text"},
			{Name: "related_field", Type: "text"},
			{Name: "relationship_name", Type: "text"},
			{Name: "cascade_delete", Type: "boolean"},
			{Name: "required_relationship", Type: "boolean"},
		},
	},
	{
		Name:        "users",
		Description: "tenant principals",
		Fields: []coreField{
			{Name: "name", Type: "text", Required: true},
			{Name: "auth", Type: "text", Required: true, Unique: true},
			{Name: "access", Type: "text", Required: true},
		},
	},
	{
		Name:        "filters",
		Description: "saved queries",
		Fields: []coreField{
			{Name: "name", Type: "text", Required: true, Index: true},
			{Name: "model_name", Type: "text", Required: true},
			{Name: "select", Type: "jsonb"},
			{Name: "where", Type: "jsonb"},
			{Name: "order", Type: "jsonb"},
			{Name: "limit", Type: "integer"},
			{Name: "offset", Type: "integer"},
		},
	},
	{
		Name:        "credentials",
		Description: "login secrets",
		Fields: []coreField{
			{Name: "user_id", Type: "uuid", Required: true, Index: true},
			{Name: "secret", Type: "text", Required: true, Sudo: true},
			{Name: "kind", Type: "text"},
		},
	},
	{
		Name:        "tracked",
		Description: "append-only change history",
		Fields: []coreField{
			{Name: "change_id", Type: "bigserial", Index: true},
			{Name: "model_name", Type: "text", Required: true, Index: true},
			{Name: "record_id", Type: "uuid", Required: true, Index: true},
			{Name: "operation", Type: "text", Required: true},
			{Name: "changes", Type: "jsonb"},
			{Name: "created_by", Type: "uuid"},
			{Name: "metadata", Type: "jsonb"},
		},
	},
	{
		Name:        "fs",
		Description: "virtual filesystem tree",
		Fields: []coreField{
			{Name: "path", Type: "text", Required: true, Unique: true},
			{Name: "kind", Type: "text", Required: true},
			{Name: "content", Type: "text"},
			{Name: "target", Type: "text"},
			{Name: "owner_id", Type: "uuid"},
		},
	},
}

// fsTree seeds the directory skeleton every tenant starts with.
var fsTree = []struct {
	Path    string
	Kind    string
	Content string
}{
	{Path: "/", Kind: "dir"},
	{Path: "/home", Kind: "dir"},
	{Path: "/home/root", Kind: "dir"},
	{Path: "/etc", Kind: "dir"},
	{Path: "/etc/motd", Kind: "file", Content: "welcome to stratum\n"},
	{Path: "/var", Kind: "dir"},
	{Path: "/tmp", Kind: "dir"},
	{Path: "/mnt", Kind: "dir"},
}

// CoreModelNames lists the tables present in every tenant namespace.
func CoreModelNames() []string {
	names := make([]string, len(coreModels))
	for i, m := range coreModels {
		names[i] = m.Name
	}
	return names
}

// IsCoreModel reports whether name is one of the seed tables.
func IsCoreModel(name string) bool {
	for _, m := range coreModels {
		if m.Name == name {
			return true
		}
	}
	return false
}

// coreTableDDL renders the CREATE TABLE and CREATE INDEX statements for
// all seed tables in the given dialect.
func coreTableDDL(d dbase.Dialect) ([]string, error) {
	var stmts []string
	for _, m := range coreModels {
		stmt, err := createTableDDL(d, m)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		for _, f := range m.Fields {
			if !f.Index {
				continue
			}
			stmts = append(stmts, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
				quoteIdent("idx_"+m.Name+"_"+f.Name), quoteIdent(m.Name), quoteIdent(f.Name),
			))
		}
	}
	return stmts, nil
}

func createTableDDL(d dbase.Dialect, m coreModel) (string, error) {
	cols := make([]string, 0, len(baseColumns)+len(m.Fields))
	for _, f := range baseColumns {
		t, err := d.ColumnType(f.Type)
		if err != nil {
			return "", err
		}
		line := quoteIdent(f.Name) + " " + t
		if f.Name == "id" {
			line += " PRIMARY KEY"
		} else if f.Required {
			line += " NOT NULL"
		}
		cols = append(cols, line)
	}

	for _, f := range m.Fields {
		t, err := d.ColumnType(f.Type)
		if err != nil {
			return "", err
		}
		line := quoteIdent(f.Name) + " " + t
		if f.Required {
			line += " NOT NULL"
		}
		if f.Unique {
			line += " UNIQUE"
		}
		cols = append(cols, line)
	}

	return "CREATE TABLE IF NOT EXISTS " + quoteIdent(m.Name) +
		" (\n\t" + strings.Join(cols, ",\n\t") + "\n)", nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// insertCoreMetadata writes the models/fields rows that describe the
// seed tables themselves. All core models carry status system.
func insertCoreMetadata(ctx context.Context, tx dbase.Tx, now time.Time) error {
	for _, m := range coreModels {
		_, err := tx.Query(ctx,
			`INSERT INTO "models" ("id", "model_name", "status", "sudo", "frozen", "immutable", "external", "description", "created_at", "updated_at")`+
				` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			uuid.New(), m.Name, "system", true, false, true, false, m.Description, now, now,
		)
		if err != nil {
			return err
		}

		for _, f := range m.Fields {
			isArray := strings.HasSuffix(f.Type, "[]")
			var def any
			if f.Default != "" {
				def = f.Default
			}
			_, err := tx.Query(ctx,
				`INSERT INTO "fields" ("id", "model_name", "field_name", "type", "required", "default_value", "is_array", "unique", "index", "sudo", "tracked", "description", "created_at", "updated_at")`+
					` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				uuid.New(), m.Name, f.Name, f.Type, f.Required, def, isArray, f.Unique, f.Index, f.Sudo, f.Tracked, f.Description, now, now,
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func insertFSTree(ctx context.Context, tx dbase.Tx, ownerID uuid.UUID, now time.Time) error {
	for _, e := range fsTree {
		var content any
		if e.Content != "" {
			content = e.Content
		}
		_, err := tx.Query(ctx,
			`INSERT INTO "fs" ("id", "path", "kind", "content", "owner_id", "created_at", "updated_at")`+
				` VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), e.Path, e.Kind, content, ownerID, now, now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// fixture is a named, checksummed unit of seed work recorded per tenant.
type fixture struct {
	Name     string
	Checksum string
}

func seedFixtures(d dbase.Dialect) ([]fixture, error) {
	stmts, err := coreTableDDL(d)
	if err != nil {
		return nil, err
	}

	var meta strings.Builder
	for _, m := range coreModels {
		meta.WriteString(m.Name)
		for _, f := range m.Fields {
			meta.WriteString(":" + f.Name + "/" + f.Type)
		}
		meta.WriteString("\n")
	}

	var paths strings.Builder
	for _, e := range fsTree {
		paths.WriteString(e.Path + "\n")
	}

	return []fixture{
		{Name: "core-tables", Checksum: checksum(strings.Join(stmts, ";\n"))},
		{Name: "core-metadata", Checksum: checksum(meta.String())},
		{Name: "root-user", Checksum: checksum(uuid.Nil.String())},
		{Name: "fs-tree", Checksum: checksum(paths.String())},
	}, nil
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
