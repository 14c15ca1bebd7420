package record

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// The metadata models describe themselves through the same models and
// fields tables as everything else, so these fixtures mirror the seed
// definitions closely enough for validation and DDL rendering.

type metaField struct {
	name     string
	ftype    string
	required bool
	def      any
}

func metaFieldRows(model string, defs []metaField) *sqlmock.Rows {
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "model_name", "field_name", "type", "required", "default_value",
		"is_array", "created_at", "updated_at",
	})
	for _, f := range defs {
		rows.AddRow(uuid.NewString(), model, f.name, f.ftype, f.required, f.def, false, now, now)
	}
	return rows
}

func modelsMetaFields() *sqlmock.Rows {
	return metaFieldRows("models", []metaField{
		{name: "model_name", ftype: "text", required: true},
		{name: "status", ftype: "text", required: true, def: "pending"},
		{name: "sudo", ftype: "boolean"},
		{name: "frozen", ftype: "boolean"},
		{name: "immutable", ftype: "boolean"},
		{name: "external", ftype: "boolean"},
		{name: "description", ftype: "text"},
	})
}

func fieldsMetaFields() *sqlmock.Rows {
	return metaFieldRows("fields", []metaField{
		{name: "model_name", ftype: "text", required: true},
		{name: "field_name", ftype: "text", required: true},
		{name: "type", ftype: "text", required: true},
		{name: "required", ftype: "boolean"},
		{name: "default_value", ftype: "text"},
		{name: "description", ftype: "text"},
		{name: "minimum", ftype: "decimal"},
		{name: "maximum", ftype: "decimal"},
		{name: "pattern", ftype: "text"},
		{name: "enum_values", ftype: "text[]"},
		{name: "is_array", ftype: "boolean"},
		{name: "unique", ftype: "boolean"},
		{name: "index", ftype: "boolean"},
		{name: "searchable", ftype: "boolean"},
		{name: "immutable", ftype: "boolean"},
		{name: "sudo", ftype: "boolean"},
		{name: "tracked", ftype: "boolean"},
		{name: "transform", ftype: "boolean"},
		{name: "relationship_type", ftype: "text"},
		{name: "related_model", ftype: "text"},
		{name: "related_field", ftype: "text"},
		{name: "relationship_name", ftype: "text"},
		{name: "cascade_delete", ftype: "boolean"},
		{name: "required_relationship", ftype: "boolean"},
	})
}

func filtersMetaFields() *sqlmock.Rows {
	return metaFieldRows("filters", []metaField{
		{name: "name", ftype: "text", required: true},
		{name: "model_name", ftype: "text", required: true},
		{name: "select", ftype: "jsonb"},
		{name: "where", ftype: "jsonb"},
		{name: "order", ftype: "jsonb"},
		{name: "limit", ftype: "integer"},
		{name: "offset", ftype: "integer"},
	})
}

func metaModelRows(name string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "model_name", "status", "sudo", "frozen", "immutable", "external",
		"created_at", "updated_at", "trashed_at", "deleted_at",
	}).AddRow(uuid.NewString(), name, "system", false, false, false, false, now, now, nil, nil)
}

// ordersModelRows is the live models row of a user-defined model, as
// returned by the in-transaction lookups of the field observers.
func ordersModelRows(status string, external bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "model_name", "status", "sudo", "frozen", "immutable", "external",
		"created_at", "updated_at", "trashed_at", "deleted_at",
	}).AddRow(uuid.NewString(), "orders", status, false, false, false, external, now, now, nil, nil)
}

func warmMeta(t *testing.T, p *Pipeline, sc *system.Context, mock sqlmock.Sqlmock, model string, fields *sqlmock.Rows) {
	t.Helper()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`)).
		WithArgs(model).
		WillReturnRows(metaModelRows(model))
	mock.ExpectCommit()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL ORDER BY "created_at" ASC`)).
		WithArgs(model).
		WillReturnRows(fields)
	mock.ExpectCommit()

	_, err := p.registry.ToSchema(context.Background(), sc, model)
	require.NoError(t, err)
}

const takenSQL = `SELECT "id" FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL`

const modelRowSQL = `SELECT * FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`

// modelsTableRow is a full row of the models table itself.
func modelsTableRow(id, name, status string) []driver.Value {
	now := time.Now().UTC()
	return []driver.Value{
		id, now, now, nil, nil,
		"{}", "{}", "{}", "{}",
		name, status, false, false, false, false, nil,
	}
}

var modelsTableCols = []string{
	"id", "created_at", "updated_at", "trashed_at", "deleted_at",
	"access_read", "access_edit", "access_full", "access_deny",
	"model_name", "status", "sudo", "frozen", "immutable", "external", "description",
}

func TestModelCreateProvisionsTable(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "models", modelsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(takenSQL)).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "models" ("id", "created_at", "updated_at", "trashed_at", "deleted_at", `+
		`"access_read", "access_edit", "access_full", "access_deny", "model_name", "status", "sudo", "frozen", "immutable", "external", "description") `+
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING *`)).
		WithArgs(id, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"orders", "pending", nil, nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "orders", "pending")...))
	mock.ExpectQuery(`INSERT INTO "tracked"`).
		WithArgs(sqlmock.AnyArg(), "models", id, OpCreate, `{}`,
			sc.Principal.ID.String(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "orders"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "models" SET "status" = $1, "updated_at" = $2 WHERE "id" = $3`)).
		WithArgs("active", sqlmock.AnyArg(), id).
		WillReturnRows(sqlmock.NewRows([]string{}))
	mock.ExpectCommit()

	rows, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
		{"id": id, "model_name": "orders"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "orders", rows[0]["model_name"])
	assert.Equal(t, "active", rows[0]["status"], "pending models go active once their table exists")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModelCreateRejections(t *testing.T) {
	t.Run("needs an elevated surface", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		_, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
			{"model_name": "orders"},
		})
		assert.Equal(t, "SYSTEM_MODEL_PROTECTED", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("needs schema rights", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Principal.Access = system.AccessEdit
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
			{"model_name": "orders"},
		})
		assert.Equal(t, "FORBIDDEN", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid name", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
			{"model_name": "9orders"},
		})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("name already taken", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(takenSQL)).
			WithArgs("orders").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
			{"model_name": "orders"},
		})
		assert.Equal(t, "CONFLICT", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("explicit status stays with the engine", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(takenSQL)).
			WithArgs("orders").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "models", []map[string]any{
			{"model_name": "orders", "status": "active"},
		})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestModelUpdateGuards(t *testing.T) {
	id := uuid.NewString()

	t.Run("status change below sudo", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "id" IN ($1)`)).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "orders", "active")...))
		mock.ExpectRollback()

		_, err := p.UpdateOne(context.Background(), sc, "models", id, map[string]any{"status": "system"})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("renaming a model", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "id" IN ($1)`)).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "orders", "active")...))
		mock.ExpectRollback()

		_, err := p.UpdateOne(context.Background(), sc, "models", id, map[string]any{"model_name": "invoices"})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system definition below sudo", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "models", modelsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "id" IN ($1)`)).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "filters", "system")...))
		mock.ExpectRollback()

		_, err := p.UpdateOne(context.Background(), sc, "models", id, map[string]any{"description": "mine now"})
		assert.Equal(t, "SYSTEM_MODEL_PROTECTED", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestModelDeleteDropsBackingTable(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "models", modelsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "id" IN ($1)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "orders", "active")...))
	trashedRow := modelsTableRow(id, "orders", "active")
	trashedRow[3] = time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "models" SET "trashed_at" = $1, "updated_at" = $2 WHERE "id" IN ($3) AND "trashed_at" IS NULL AND "deleted_at" IS NULL RETURNING *`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), id).
		WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(trashedRow...))
	mock.ExpectQuery(`INSERT INTO "tracked"`).
		WithArgs(sqlmock.AnyArg(), "models", id, OpDelete, `{}`,
			sc.Principal.ID.String(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "orders"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "fields" SET "trashed_at" = $1, "updated_at" = $2 WHERE "model_name" = $3 AND "trashed_at" IS NULL`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "orders").
		WillReturnRows(sqlmock.NewRows([]string{}))
	mock.ExpectCommit()

	rows, err := p.DeleteOne(context.Background(), sc, "models", id)
	require.NoError(t, err)
	assert.NotNil(t, rows["trashed_at"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModelDeleteSystemProtected(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "models", modelsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "models" WHERE "id" IN ($1)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(modelsTableCols).AddRow(modelsTableRow(id, "filters", "system")...))
	mock.ExpectRollback()

	_, err := p.DeleteOne(context.Background(), sc, "models", id)
	assert.Equal(t, "SYSTEM_MODEL_PROTECTED", errors.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// fieldsTableRow is a row of the fields table for the orders.total
// fixture field.
func fieldsTableRow(id, ftype string, trashed any) []driver.Value {
	now := time.Now().UTC()
	return []driver.Value{
		id, now, now, trashed, nil,
		"{}", "{}", "{}", "{}",
		"orders", "total", ftype, true, false,
	}
}

var fieldsTableCols = []string{
	"id", "created_at", "updated_at", "trashed_at", "deleted_at",
	"access_read", "access_edit", "access_full", "access_deny",
	"model_name", "field_name", "type", "required", "is_array",
}

func TestFieldCreateAddsColumn(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "fields" WHERE "model_name" = $1 AND "field_name" = $2 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`)).
		WithArgs("orders", "total").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO "fields"`).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "integer", nil)...))
	mock.ExpectQuery(`INSERT INTO "tracked"`).
		WithArgs(sqlmock.AnyArg(), "fields", id, OpCreate, `{}`,
			sc.Principal.ID.String(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM "orders" LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "orders" ADD COLUMN "total" INTEGER NOT NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rows, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{
		{"id": id, "model_name": "orders", "field_name": "total", "type": "integer", "required": true},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "total", rows[0]["field_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldCreateRejections(t *testing.T) {
	newFieldRec := func(overrides map[string]any) map[string]any {
		rec := map[string]any{"model_name": "orders", "field_name": "total", "type": "integer"}
		for k, v := range overrides {
			rec[k] = v
		}
		return rec
	}

	t.Run("base column collision", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

		expectScope(mock)
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{
			newFieldRec(map[string]any{"field_name": "created_at"}),
		})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown field type", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

		expectScope(mock)
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{
			newFieldRec(map[string]any{"type": "blob"}),
		})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown model", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
			WithArgs("orders").
			WillReturnRows(sqlmock.NewRows(modelsTableCols))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{newFieldRec(nil)})
		assert.Equal(t, "MODEL_NOT_FOUND", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system model below sudo", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
			WithArgs("orders").
			WillReturnRows(ordersModelRows("system", false))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{newFieldRec(nil)})
		assert.Equal(t, "SYSTEM_MODEL_PROTECTED", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("field already exists", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
			WithArgs("orders").
			WillReturnRows(ordersModelRows("active", false))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "fields"`)).
			WithArgs("orders", "total").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "fields", []map[string]any{newFieldRec(nil)})
		assert.Equal(t, "CONFLICT", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFieldUpdateWidensColumn(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields" WHERE "id" IN ($1)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "integer", nil)...))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "fields" SET "updated_at" = $1, "type" = $2 WHERE "id" = $3 AND "trashed_at" IS NULL AND "deleted_at" IS NULL RETURNING *`)).
		WithArgs(sqlmock.AnyArg(), "decimal", id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "decimal", nil)...))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "orders" ALTER COLUMN "total" TYPE DECIMAL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	row, err := p.UpdateOne(context.Background(), sc, "fields", id, map[string]any{"type": "decimal"})
	require.NoError(t, err)
	assert.Equal(t, "decimal", row["type"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldUpdateNarrowingRollsBack(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields" WHERE "id" IN ($1)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "decimal", nil)...))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "fields" SET "updated_at" = $1, "type" = $2`)).
		WithArgs(sqlmock.AnyArg(), "integer", id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "integer", nil)...))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectRollback()

	_, err := p.UpdateOne(context.Background(), sc, "fields", id, map[string]any{"type": "integer"})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldDeleteDropsColumn(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "fields", fieldsMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields" WHERE "id" IN ($1)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(fieldsTableRow(id, "integer", nil)...))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	trashed := fieldsTableRow(id, "integer", time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "fields" SET "trashed_at" = $1, "updated_at" = $2 WHERE "id" IN ($3) AND "trashed_at" IS NULL AND "deleted_at" IS NULL RETURNING *`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), id).
		WillReturnRows(sqlmock.NewRows(fieldsTableCols).AddRow(trashed...))
	mock.ExpectQuery(`INSERT INTO "tracked"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("orders").
		WillReturnRows(ordersModelRows("active", false))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "orders" DROP COLUMN IF EXISTS "total"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	row, err := p.DeleteOne(context.Background(), sc, "fields", id)
	require.NoError(t, err)
	assert.NotNil(t, row["trashed_at"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// filtersTableRow is a row of the filters table.
func filtersTableRow(id, name string) []driver.Value {
	now := time.Now().UTC()
	return []driver.Value{
		id, now, now, nil, nil,
		"{}", "{}", "{}", "{}",
		name, "receipts", nil, `{"status":"open"}`, nil, int64(10), nil,
	}
}

var filtersTableCols = []string{
	"id", "created_at", "updated_at", "trashed_at", "deleted_at",
	"access_read", "access_edit", "access_full", "access_deny",
	"name", "model_name", "select", "where", "order", "limit", "offset",
}

func TestFilterCreateValidatesDocument(t *testing.T) {
	p, sc, mock := newHarness(t)
	sc.Options.Elevated = true
	warmMeta(t, p, sc, mock, "filters", filtersMetaFields())

	id := uuid.NewString()

	expectScope(mock)
	// Resolving the target model inside the transaction bypasses the
	// schema cache, so the receipts metadata is fetched on the spot.
	mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
		WithArgs("receipts").
		WillReturnRows(receiptsModelRows())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields"`)).
		WithArgs("receipts").
		WillReturnRows(receiptsFieldRows())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "filters" WHERE "name" = $1 AND "id" != $2 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`)).
		WithArgs("open-receipts", id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "filters" ("id", "created_at", "updated_at", "trashed_at", "deleted_at", `+
		`"access_read", "access_edit", "access_full", "access_deny", "name", "model_name", "select", "where", "order", "limit", "offset") `+
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING *`)).
		WithArgs(id, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"open-receipts", "receipts", nil, `{"status":"open"}`, nil, int64(10), nil).
		WillReturnRows(sqlmock.NewRows(filtersTableCols).AddRow(filtersTableRow(id, "open-receipts")...))
	mock.ExpectQuery(`INSERT INTO "tracked"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	rows, err := p.CreateAll(context.Background(), sc, "filters", []map[string]any{
		{
			"id":         id,
			"name":       "open-receipts",
			"model_name": "receipts",
			"where":      map[string]any{"status": "open"},
			"limit":      10,
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "open-receipts", rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterCreateRejections(t *testing.T) {
	t.Run("invalid name", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "filters", filtersMetaFields())

		expectScope(mock)
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "filters", []map[string]any{
			{"name": "Bad Name", "model_name": "receipts"},
		})
		assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown column in document", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "filters", filtersMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
			WithArgs("receipts").
			WillReturnRows(receiptsModelRows())
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields"`)).
			WithArgs("receipts").
			WillReturnRows(receiptsFieldRows())
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "filters", []map[string]any{
			{"name": "bad-filter", "model_name": "receipts", "where": map[string]any{"ghost": 1}},
		})
		assert.Equal(t, "COLUMN_NOT_FOUND", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("name taken", func(t *testing.T) {
		p, sc, mock := newHarness(t)
		sc.Options.Elevated = true
		warmMeta(t, p, sc, mock, "filters", filtersMetaFields())

		expectScope(mock)
		mock.ExpectQuery(regexp.QuoteMeta(modelRowSQL)).
			WithArgs("receipts").
			WillReturnRows(receiptsModelRows())
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "fields"`)).
			WithArgs("receipts").
			WillReturnRows(receiptsFieldRows())
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "filters"`)).
			WithArgs("open-receipts", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
		mock.ExpectRollback()

		_, err := p.CreateAll(context.Background(), sc, "filters", []map[string]any{
			{"name": "open-receipts", "model_name": "receipts"},
		})
		assert.Equal(t, "CONFLICT", errors.Code(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
