package infra_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
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

func TestInitializeIdempotent(t *testing.T) {
	s := integration(t)

	// The suite already initialized once; a second boot must not fail.
	require.NoError(t, s.Infra.Initialize(context.Background()))
}

func TestProvisionTenant(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	name := s.Fixtures.TenantName("provision")
	tenant := s.SetupTenant(t, ctx, name)

	assert.Equal(t, name, tenant.Name)
	assert.Equal(t, infra.NamespaceFor(name), tenant.Schema)
	assert.Equal(t, infra.DBTypeShared, tenant.DBType)
	assert.True(t, tenant.IsActive)
	assert.Equal(t, tenant.Owner.ID, tenant.OwnerID)

	// Without an owner_username the root user owns the tenant.
	assert.Equal(t, system.RootUserID, tenant.Owner.ID)
	assert.Equal(t, "root", tenant.Owner.Name)
	assert.Equal(t, system.AccessRoot, tenant.Owner.Access)
	assert.NotEmpty(t, tenant.Owner.Secret, "the generated initial password travels back exactly once")

	sys := tenant.Root(t)

	res, err := sys.DB.Query(ctx, `SELECT "model_name", "status" FROM "models" ORDER BY "model_name"`)
	require.NoError(t, err)

	var names []string
	for _, row := range res.Rows {
		mn, _ := row["model_name"].(string)
		names = append(names, mn)
		assert.Equal(t, "system", row["status"], "core model %s must be sealed", mn)
	}
	assert.Equal(t, []string{"credentials", "fields", "filters", "fs", "models", "tracked", "users"}, names)

	res, err = sys.DB.Query(ctx, `SELECT COUNT(*) AS "n" FROM "users"`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, testutil.Numeric(t, res.First()["n"]))

	res, err = sys.DB.Query(ctx, `SELECT COUNT(*) AS "n" FROM "credentials"`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, testutil.Numeric(t, res.First()["n"]))

	res, err = sys.DB.Query(ctx, `SELECT "path" FROM "fs" ORDER BY "path"`)
	require.NoError(t, err)
	assert.Equal(t, 8, res.RowCount)
	first, _ := res.First()["path"].(string)
	assert.Equal(t, "/", first)
}

func TestProvisionRecordsFixtures(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	tenant := s.SetupTenant(t, ctx, s.Fixtures.TenantName("fixtures"))

	registry, err := s.Adapter.Namespace(infra.InfraNamespace)
	require.NoError(t, err)

	res, err := registry.Query(ctx,
		`SELECT "name", "checksum" FROM "tenant_fixtures" WHERE "tenant_id" = $1 ORDER BY "name"`,
		tenant.ID)
	require.NoError(t, err)

	var applied []string
	for _, row := range res.Rows {
		fname, _ := row["name"].(string)
		applied = append(applied, fname)
		checksum, _ := row["checksum"].(string)
		assert.Len(t, checksum, 64, "fixture %s checksum must be sha256 hex", fname)
	}
	assert.Equal(t, []string{"core-metadata", "core-tables", "fs-tree", "root-user"}, applied)
}

func TestProvisionTenantWithOwner(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	name := s.Fixtures.TenantName("owned")
	tenant, owner, err := s.Infra.CreateTenant(ctx, infra.CreateTenantRequest{
		Name:          name,
		OwnerUsername: "alice",
		Description:   "owned by alice",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Infra.DeleteTenant(ctx, name)
		s.Adapter.DropNamespace(ctx, tenant.Schema)
	})

	assert.Equal(t, "alice", owner.Name)
	assert.Equal(t, system.AccessFull, owner.Access)
	assert.NotEqual(t, system.RootUserID, owner.ID)
	assert.NotEmpty(t, owner.Secret)
	assert.Equal(t, owner.ID, tenant.OwnerID)
	assert.Equal(t, "owned by alice", tenant.Description)

	// Root is still seeded alongside the owner.
	db, err := s.Adapter.Namespace(tenant.Schema)
	require.NoError(t, err)
	res, err := db.Query(ctx, `SELECT "name" FROM "users" ORDER BY "name"`)
	require.NoError(t, err)

	var users []string
	for _, row := range res.Rows {
		n, _ := row["name"].(string)
		users = append(users, n)
	}
	assert.Equal(t, []string{"alice", "root"}, users)
}

func TestProvisionDuplicateTenant(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	tenant := s.SetupTenant(t, ctx, s.Fixtures.TenantName("dup"))

	_, _, err := s.Infra.CreateTenant(ctx, infra.CreateTenantRequest{Name: tenant.Name})
	require.Error(t, err)
	assert.Equal(t, "TENANT_EXISTS", errors.Code(err))
}

func TestProvisionValidation(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  infra.CreateTenantRequest
	}{
		{"empty name", infra.CreateTenantRequest{Name: ""}},
		{"single character", infra.CreateTenantRequest{Name: "x"}},
		{"uppercase", infra.CreateTenantRequest{Name: "Acme"}},
		{"leading digit", infra.CreateTenantRequest{Name: "1acme"}},
		{"space", infra.CreateTenantRequest{Name: "ac me"}},
		{"too long", infra.CreateTenantRequest{Name: "a" + strings.Repeat("b", 63)}},
		{"unsupported db_type", infra.CreateTenantRequest{Name: "acme-files", DBType: infra.DBTypeFile}},
		{"invalid owner", infra.CreateTenantRequest{Name: "acme-owner", OwnerUsername: "Alice!"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Infra.CreateTenant(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
		})
	}
}

func TestTenantRegistry(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	name := s.Fixtures.TenantName("registry")
	created, _, err := s.Infra.CreateTenant(ctx, infra.CreateTenantRequest{Name: name})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Adapter.DropNamespace(ctx, created.Schema)
	})

	got, err := s.Infra.GetTenant(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Schema, got.Schema)

	tenants, err := s.Infra.ListTenants(ctx)
	require.NoError(t, err)
	assert.True(t, containsTenant(tenants, name))

	deleted, err := s.Infra.DeleteTenant(ctx, name)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)
	assert.NotNil(t, deleted.DeletedAt)

	_, err = s.Infra.GetTenant(ctx, name)
	require.Error(t, err)
	assert.Equal(t, "RECORD_NOT_FOUND", errors.Code(err))

	tenants, err = s.Infra.ListTenants(ctx)
	require.NoError(t, err)
	assert.False(t, containsTenant(tenants, name))

	_, err = s.Infra.DeleteTenant(ctx, name)
	require.Error(t, err)
	assert.Equal(t, "RECORD_NOT_FOUND", errors.Code(err))
}

func TestDeployTenantSchemaGraft(t *testing.T) {
	s := integration(t)
	ctx := context.Background()

	// The graft path serves namespaces created outside the registry.
	ns := infra.NamespaceFor(s.Fixtures.TenantName("graft"))
	require.NoError(t, s.Adapter.CreateNamespace(ctx, ns))
	t.Cleanup(func() {
		s.Adapter.DropNamespace(ctx, ns)
	})

	ownerID, err := s.Infra.DeployTenantSchema(ctx, "", ns, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, system.RootUserID, ownerID)

	db, err := s.Adapter.Namespace(ns)
	require.NoError(t, err)
	res, err := db.Query(ctx, `SELECT "access" FROM "users" WHERE "id" = $1`, ownerID)
	require.NoError(t, err)
	require.NotNil(t, res.First())
	assert.Equal(t, system.AccessFull, res.First()["access"])

	_, err = s.Infra.DeployTenantSchema(ctx, "relational-cluster", ns, "")
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", errors.Code(err))
}

func containsTenant(tenants []*infra.Tenant, name string) bool {
	for _, tn := range tenants {
		if tn.Name == name {
			return true
		}
	}
	return false
}
