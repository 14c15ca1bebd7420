package api

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The registry resolves "models" and "fields" like any other model: the
// core tables describe themselves. These defs mirror the seeded columns
// the tests touch.
var modelsMetaFields = []fieldDef{
	{name: "model_name", ftype: "text", required: true},
	{name: "status", ftype: "text", required: true},
	{name: "sudo", ftype: "boolean"},
	{name: "frozen", ftype: "boolean"},
	{name: "immutable", ftype: "boolean"},
	{name: "external", ftype: "boolean"},
	{name: "description", ftype: "text"},
}

var fieldsMetaFields = []fieldDef{
	{name: "model_name", ftype: "text", required: true},
	{name: "field_name", ftype: "text", required: true},
	{name: "type", ftype: "text", required: true},
	{name: "required", ftype: "boolean"},
	{name: "is_array", ftype: "boolean"},
	{name: "unique", ftype: "boolean"},
	{name: "index", ftype: "boolean"},
	{name: "sudo", ftype: "boolean"},
	{name: "tracked", ftype: "boolean"},
	{name: "description", ftype: "text"},
}

const (
	modelsListSQL  = `SELECT * FROM "models" WHERE "deleted_at" IS NULL AND "trashed_at" IS NULL`
	modelLookupSQL = modelFetchSQL + ` LIMIT $2`
	fieldLookupSQL = `SELECT * FROM "fields" WHERE ("field_name" = $1 AND "model_name" = $2) AND "deleted_at" IS NULL AND "trashed_at" IS NULL LIMIT $3`
)

func modelTableCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "created_at", "updated_at", "trashed_at", "deleted_at",
		"access_read", "access_edit", "access_full", "access_deny",
		"model_name", "status", "sudo", "frozen", "immutable", "external", "description",
	})
}

func TestListModels(t *testing.T) {
	h := newAPIHarness(t)
	h.expectAuth()
	h.expectSchemaFetch("models", modelsMetaFields...)

	now := time.Now().UTC()
	rows := modelTableCols().
		AddRow(uuid.NewString(), now, now, nil, nil, "{}", "{}", "{}", "{}",
			"models", "system", true, false, true, false, "record type definitions").
		AddRow(uuid.NewString(), now, now, nil, nil, "{}", "{}", "{}", "{}",
			"products", "active", false, false, false, false, nil)
	h.expectTenantScope()
	h.mock.ExpectQuery(regexp.QuoteMeta(modelsListSQL)).WillReturnRows(rows)
	h.mock.ExpectCommit()

	status, env := h.do(t, http.MethodGet, "/api/describe", h.token(t, "read"), nil)
	require.Equal(t, http.StatusOK, status)

	out := rowsOf(t, env)
	require.Len(t, out, 2)
	assert.Equal(t, "models", out[0]["model_name"])
	assert.Equal(t, "system", out[0]["status"])
	assert.Equal(t, true, out[0]["sudo"])
	assert.Equal(t, "products", out[1]["model_name"])
	assert.Equal(t, "active", out[1]["status"])
	assert.Equal(t, false, out[1]["frozen"])

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGetModel(t *testing.T) {
	h := newAPIHarness(t)
	h.expectAuth()
	h.expectSchemaFetch("models", modelsMetaFields...)

	now := time.Now().UTC()
	h.expectTenantScope()
	h.mock.ExpectQuery(regexp.QuoteMeta(modelLookupSQL)).
		WithArgs("products", 1).
		WillReturnRows(modelTableCols().AddRow(
			uuid.NewString(), now, now, nil, nil, "{}", "{}", "{}", "{}",
			"products", "active", false, false, false, false, "catalogue entries"))
	h.mock.ExpectCommit()

	status, env := h.do(t, http.MethodGet, "/api/describe/products", h.token(t, "full"), nil)
	require.Equal(t, http.StatusOK, status)

	row := rowOf(t, env)
	assert.Equal(t, "products", row["model_name"])
	assert.Equal(t, "active", row["status"])
	assert.Equal(t, "catalogue entries", row["description"])

	// The models schema is cached now: a miss costs only the lookup.
	h.expectAuth()
	h.expectTenantScope()
	h.mock.ExpectQuery(regexp.QuoteMeta(modelLookupSQL)).
		WithArgs("widgets", 1).
		WillReturnRows(modelTableCols())
	h.mock.ExpectCommit()

	status, env = h.do(t, http.MethodGet, "/api/describe/widgets", h.token(t, "full"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
	assert.Equal(t, "MODEL_NOT_FOUND", env.ErrorCode)
	assert.Equal(t, `model "widgets" not found`, env.Error)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGetField(t *testing.T) {
	h := newAPIHarness(t)
	h.expectAuth()
	h.expectSchemaFetch("fields", fieldsMetaFields...)

	now := time.Now().UTC()
	fieldRow := sqlmock.NewRows([]string{
		"id", "created_at", "updated_at", "trashed_at", "deleted_at",
		"access_read", "access_edit", "access_full", "access_deny",
		"model_name", "field_name", "type", "required", "tracked",
	}).AddRow(uuid.NewString(), now, now, nil, nil, "{}", "{}", "{}", "{}",
		"products", "price", "decimal", false, false)

	h.expectTenantScope()
	h.mock.ExpectQuery(regexp.QuoteMeta(fieldLookupSQL)).
		WithArgs("price", "products", 1).
		WillReturnRows(fieldRow)
	h.mock.ExpectCommit()

	status, env := h.do(t, http.MethodGet, "/api/describe/products/price", h.token(t, "full"), nil)
	require.Equal(t, http.StatusOK, status)

	row := rowOf(t, env)
	assert.Equal(t, "products", row["model_name"])
	assert.Equal(t, "price", row["field_name"])
	assert.Equal(t, "decimal", row["type"])
	assert.Equal(t, false, row["required"])

	h.expectAuth()
	h.expectTenantScope()
	h.mock.ExpectQuery(regexp.QuoteMeta(fieldLookupSQL)).
		WithArgs("sku", "products", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	h.mock.ExpectCommit()

	status, env = h.do(t, http.MethodGet, "/api/describe/products/sku", h.token(t, "full"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "FIELD_NOT_FOUND", env.ErrorCode)
	assert.Equal(t, `field "sku" not found on model "products"`, env.Error)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}
