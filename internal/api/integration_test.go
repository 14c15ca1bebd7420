package api_test

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum-backend/internal/api"
	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/testutil"
)

var (
	suiteOnce sync.Once
	suite     *testutil.IntegrationSuite
	suiteErr  error
)

func integration(t *testing.T) *testutil.IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suiteOnce.Do(func() {
		suite, suiteErr = testutil.NewIntegrationSuite(context.Background())
	})
	if suiteErr != nil {
		t.Skipf("postgres container unavailable: %v", suiteErr)
	}
	return suite
}

// newHandler assembles the full HTTP surface on the shared suite, the
// same wiring cmd/stratum-server performs minus the listener.
func newHandler(s *testutil.IntegrationSuite) http.Handler {
	srv := api.NewServer(s.Adapter, s.Infra, s.Pipeline(nil), nil, s.Config, s.Log)
	return srv.Routes()
}

// client drives the handler as a single authenticated caller.
type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func newClient(t *testing.T, h http.Handler, userID uuid.UUID, name, tenant, access string) *client {
	t.Helper()
	return &client{
		t:     t,
		h:     h,
		token: testutil.SignToken(t, testutil.TestJWTSecret, userID, name, tenant, access),
	}
}

func rootClient(t *testing.T, h http.Handler, tenant string) *client {
	return newClient(t, h, system.RootUserID, "root", tenant, system.AccessRoot)
}

func (c *client) do(method, target string, body any) (int, testutil.Envelope) {
	c.t.Helper()
	req := testutil.NewJSONRequest(c.t, method, target, body)
	testutil.WithBearer(req, c.token)
	return testutil.Do(c.t, c.h, req)
}

func (c *client) get(target string) (int, testutil.Envelope) {
	return c.do(http.MethodGet, target, nil)
}

func (c *client) post(target string, body any) (int, testutil.Envelope) {
	return c.do(http.MethodPost, target, body)
}

func (c *client) put(target string, body any) (int, testutil.Envelope) {
	return c.do(http.MethodPut, target, body)
}

func (c *client) del(target string) (int, testutil.Envelope) {
	return c.do(http.MethodDelete, target, nil)
}

// TestHTTPModelAndDataJourney walks one tenant through the whole wire
// surface: declare a model, load records, query, aggregate, shape the
// response, inspect history, trash and revert, and run saved filters.
func TestHTTPModelAndDataJourney(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	tenant := s.SetupTenant(t, ctx, s.Fixtures.TenantName("api"))
	h := newHandler(s)
	c := rootClient(t, h, tenant.Name)

	status, env := c.post("/api/describe/products", map[string]any{
		"description": "product catalog",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	model := testutil.DataRow(t, env)
	assert.Equal(t, "products", model["model_name"])
	assert.Equal(t, "active", model["status"])

	status, env = c.post("/api/describe/products/price", map[string]any{
		"type": "integer", "required": true, "tracked": true,
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	status, env = c.post("/api/describe/products/label", map[string]any{
		"type": "text",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = c.get("/api/describe")
	require.Equal(t, http.StatusOK, status)
	names := make([]string, 0)
	for _, row := range testutil.DataRows(t, env) {
		names = append(names, row["model_name"].(string))
	}
	assert.Contains(t, names, "products")
	assert.Contains(t, names, "users")

	status, env = c.get("/api/describe/products/price")
	require.Equal(t, http.StatusOK, status)
	field := testutil.DataRow(t, env)
	assert.Equal(t, "integer", field["type"])
	assert.Equal(t, true, field["required"])
	assert.Equal(t, true, field["tracked"])

	status, env = c.post("/api/data/products", []map[string]any{
		{"label": "tea", "price": 12},
		{"label": "coffee", "price": 30},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	created := testutil.DataRows(t, env)
	require.Len(t, created, 2)
	teaID := created[0]["id"].(string)
	_ = created[1]["id"].(string)
	assert.NotEmpty(t, created[0]["created_at"])

	status, env = c.get("/api/data/products")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, testutil.DataRows(t, env), 2)

	status, env = c.get("/api/data/products/" + teaID)
	require.Equal(t, http.StatusOK, status)
	row := testutil.DataRow(t, env)
	assert.Equal(t, "tea", row["label"])
	assert.Equal(t, float64(12), testutil.Numeric(t, row["price"]))

	status, env = c.post("/api/find/products", map[string]any{
		"where": map[string]any{"price": map[string]any{"$gt": 20}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	rows := testutil.DataRows(t, env)
	require.Len(t, rows, 1)
	assert.Equal(t, "coffee", rows[0]["label"])

	status, env = c.post("/api/aggregate/products", map[string]any{
		"aggregations": map[string]any{
			"total": map[string]any{"$sum": "price"},
			"n":     map[string]any{"$count": "*"},
		},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	rows = testutil.DataRows(t, env)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(42), testutil.Numeric(t, rows[0]["total"]))
	assert.Equal(t, float64(2), testutil.Numeric(t, rows[0]["n"]))

	// Response shaping is a query-string concern: pick keeps the named
	// attributes, stat=false drops the bookkeeping columns.
	status, env = c.get("/api/data/products?pick=data.label,data.price")
	require.Equal(t, http.StatusOK, status)
	for _, row := range testutil.DataRows(t, env) {
		assert.Len(t, row, 2)
		assert.Contains(t, row, "label")
		assert.Contains(t, row, "price")
	}

	status, env = c.get("/api/data/products?stat=false")
	require.Equal(t, http.StatusOK, status)
	for _, row := range testutil.DataRows(t, env) {
		assert.NotContains(t, row, "created_at")
		assert.Contains(t, row, "id")
	}

	status, env = c.put("/api/data/products/"+teaID, map[string]any{"price": 15})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, float64(15), testutil.Numeric(t, testutil.DataRow(t, env)["price"]))

	status, env = c.get("/api/history/products/" + teaID)
	require.Equal(t, http.StatusOK, status, env.Error)
	entries := testutil.DataRows(t, env)
	require.Len(t, entries, 2)
	assert.Equal(t, "update", entries[0]["operation"])
	assert.Equal(t, "create", entries[1]["operation"])
	diff := entries[0]["changes"].(map[string]any)["price"].(map[string]any)
	assert.Equal(t, float64(12), testutil.Numeric(t, diff["old"]))
	assert.Equal(t, float64(15), testutil.Numeric(t, diff["new"]))

	changeID := strconv.FormatInt(int64(testutil.Numeric(t, entries[0]["change_id"])), 10)
	status, env = c.get("/api/history/products/" + teaID + "/" + changeID)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "update", testutil.DataRow(t, env)["operation"])

	status, env = c.del("/api/data/products/" + teaID)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.get("/api/data/products/" + teaID)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RECORD_NOT_FOUND", env.ErrorCode)

	status, env = c.get("/api/data/products/" + teaID + "?trashed=only")
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.NotNil(t, testutil.DataRow(t, env)["trashed_at"])

	// A body of exactly {"trashed_at": null} plus include_trashed=true
	// is the revert form.
	status, env = c.put("/api/data/products/"+teaID+"?include_trashed=true",
		map[string]any{"trashed_at": nil})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, _ = c.get("/api/data/products/" + teaID)
	assert.Equal(t, http.StatusOK, status)

	status, env = c.put("/api/filter/premium", map[string]any{
		"model_name": "products",
		"where":      map[string]any{"price": map[string]any{"$gte": 15}},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = c.post("/api/filter/premium", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, testutil.DataRows(t, env), 2)

	status, env = c.post("/api/filter/premium", map[string]any{
		"limit": 1,
		"order": []map[string]any{{"field": "price", "sort": "desc"}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	rows = testutil.DataRows(t, env)
	require.Len(t, rows, 1)
	assert.Equal(t, "coffee", rows[0]["label"])

	status, env = c.get("/api/filter")
	require.Equal(t, http.StatusOK, status)
	filterNames := make([]string, 0)
	for _, row := range testutil.DataRows(t, env) {
		filterNames = append(filterNames, row["name"].(string))
	}
	assert.Contains(t, filterNames, "premium")

	// Saving over an existing name replaces the document: 200, not 201.
	status, env = c.put("/api/filter/premium", map[string]any{
		"model_name": "products",
		"where":      map[string]any{"price": map[string]any{"$gte": 20}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.post("/api/filter/premium", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, testutil.DataRows(t, env), 1)

	status, env = c.del("/api/filter/premium")
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.post("/api/filter/premium", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RECORD_NOT_FOUND", env.ErrorCode)
}

// TestHTTPTenantAdministration covers the root-only tenant registry
// surface and the authentication consequences of tenant lifecycle.
func TestHTTPTenantAdministration(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	home := s.SetupTenant(t, ctx, s.Fixtures.TenantName("admin-home"))
	h := newHandler(s)
	c := rootClient(t, h, home.Name)

	name := s.Fixtures.TenantName("provisioned")
	t.Cleanup(func() {
		if _, err := s.Infra.DeleteTenant(ctx, name); err != nil {
			t.Logf("cleanup: delete tenant %s: %v", name, err)
		}
		if err := s.Adapter.DropNamespace(ctx, infra.NamespaceFor(name)); err != nil {
			t.Logf("cleanup: drop namespace for %s: %v", name, err)
		}
	})

	status, env := c.post("/api/tenant", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, status, env.Error)
	payload := testutil.DataRow(t, env)
	created := payload["tenant"].(map[string]any)
	owner := payload["owner"].(map[string]any)
	assert.Equal(t, name, created["name"])
	assert.Equal(t, true, created["is_active"])
	assert.NotEmpty(t, owner["secret"], "the owner secret is returned exactly once")

	status, env = c.get("/api/tenant")
	require.Equal(t, http.StatusOK, status)
	listed := make([]string, 0)
	for _, row := range testutil.DataRows(t, env) {
		listed = append(listed, row["name"].(string))
	}
	assert.Contains(t, listed, name)

	status, env = c.get("/api/tenant/" + name)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, name, testutil.DataRow(t, env)["name"])

	status, env = c.post("/api/tenant", map[string]any{"name": name})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "TENANT_EXISTS", env.ErrorCode)

	status, env = c.post("/api/tenant", map[string]any{"name": "Bad Name!"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.ErrorCode)

	status, env = c.del("/api/tenant/" + name)
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = c.get("/api/tenant/" + name)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RECORD_NOT_FOUND", env.ErrorCode)

	// A token naming the deleted tenant no longer resolves.
	orphan := rootClient(t, h, name)
	status, env = orphan.get("/api/describe")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.ErrorCode)

	// Tenant administration is gated on the root access level, not on
	// write rights.
	editor := newClient(t, h, uuid.New(), "editor", home.Name, system.AccessEdit)
	status, env = editor.post("/api/tenant", map[string]any{"name": "another"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.ErrorCode)
}

// TestHTTPAccessLevels verifies the access ladder end to end: deny sees
// nothing, read cannot write, edit writes data but not metadata.
func TestHTTPAccessLevels(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	tenant := s.SetupTenant(t, ctx, s.Fixtures.TenantName("access"))
	h := newHandler(s)
	root := rootClient(t, h, tenant.Name)

	status, env := root.post("/api/describe/widgets", nil)
	require.Equal(t, http.StatusCreated, status, env.Error)
	status, env = root.post("/api/describe/widgets/qty", map[string]any{"type": "integer"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	status, env = root.post("/api/data/widgets", []map[string]any{{"qty": 1}})
	require.Equal(t, http.StatusCreated, status, env.Error)

	health := testutil.NewJSONRequest(t, http.MethodGet, "/health", nil)
	hstatus, henv := testutil.Do(t, h, health)
	assert.Equal(t, http.StatusOK, hstatus)
	assert.True(t, henv.Success)

	// No token, then a token signed with the wrong key.
	anon := testutil.NewJSONRequest(t, http.MethodGet, "/api/data/widgets", nil)
	status, env = testutil.Do(t, h, anon)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.ErrorCode)

	forged := testutil.NewJSONRequest(t, http.MethodGet, "/api/data/widgets", nil)
	testutil.WithBearer(forged, testutil.SignToken(t, "wrong-secret",
		uuid.New(), "mallory", tenant.Name, system.AccessRoot))
	status, env = testutil.Do(t, h, forged)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.ErrorCode)

	denied := newClient(t, h, uuid.New(), "blocked", tenant.Name, system.AccessDeny)
	status, env = denied.get("/api/data/widgets")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.ErrorCode)

	reader := newClient(t, h, uuid.New(), "reader", tenant.Name, system.AccessRead)
	status, env = reader.get("/api/data/widgets")
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, testutil.DataRows(t, env), 1)

	status, env = reader.post("/api/data/widgets", []map[string]any{{"qty": 2}})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.ErrorCode)

	editor := newClient(t, h, uuid.New(), "editor", tenant.Name, system.AccessEdit)
	status, env = editor.post("/api/data/widgets", []map[string]any{{"qty": 2}})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = editor.post("/api/describe/gadgets", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", env.ErrorCode)

	status, env = editor.del("/api/data/widgets/" + uuid.NewString())
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RECORD_NOT_FOUND", env.ErrorCode)
}
