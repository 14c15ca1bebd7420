package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum-backend/internal/infra"
	"github.com/stratumhq/stratum-backend/internal/record"
	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/patterncache"
)

// One container per test process, shared by every suite in it. The
// testcontainers reaper removes it when the process exits.
var (
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// TestJWTSecret signs and verifies bearer tokens in integration tests.
const TestJWTSecret = "integration-test-secret"

// IntegrationSuite wires a real PostgreSQL container to the production
// stack: the shared-server adapter, the tenant registry and fixtures.
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *sqlx.DB
	Adapter   dbase.Adapter
	Infra     *infra.Manager
	Config    *config.Config
	Fixtures  *FixtureFactory
	Log       *logger.Logger
}

// TestTenant is a provisioned tenant scheduled for cleanup when its
// test finishes. Owner carries the generated initial secret.
type TestTenant struct {
	*infra.Tenant
	Owner *infra.User

	suite *IntegrationSuite
}

// TestConfig returns the configuration integration tests run under.
func TestConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:   "postgres",
			Database: "stratum_test",
		},
		Cache: config.CacheConfig{
			SchemaTTL:  time.Minute,
			PatternTTL: time.Minute,
		},
		JWT: config.JWTConfig{Secret: TestJWTSecret},
	}
}

// NewIntegrationSuite starts (or reuses) the shared container and
// initializes the infrastructure namespace on it.
//
// Usage:
//
//	var (
//	    suiteOnce sync.Once
//	    suite     *testutil.IntegrationSuite
//	    suiteErr  error
//	)
//
//	func integration(t *testing.T) *testutil.IntegrationSuite {
//	    t.Helper()
//	    if testing.Short() {
//	        t.Skip("skipping integration test in short mode")
//	    }
//	    suiteOnce.Do(func() {
//	        suite, suiteErr = testutil.NewIntegrationSuite(context.Background())
//	    })
//	    if suiteErr != nil {
//	        t.Skipf("postgres container unavailable: %v", suiteErr)
//	    }
//	    return suite
//	}
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.New("test", "test")
	cfg := TestConfig()
	adapter := dbase.NewPostgresAdapterFromDB(db, log)

	mgr, err := infra.NewManager(adapter, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := mgr.Initialize(ctx); err != nil {
		return nil, err
	}

	return &IntegrationSuite{
		Container: container,
		DB:        db,
		Adapter:   adapter,
		Infra:     mgr,
		Config:    cfg,
		Fixtures:  NewFixtureFactory(),
		Log:       log,
	}, nil
}

func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *sqlx.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})
	return globalContainer, globalDB, containerErr
}

// SetupTenant provisions a tenant and schedules its removal. Each test
// should use its own tenant for isolation.
func (s *IntegrationSuite) SetupTenant(t *testing.T, ctx context.Context, name string) *TestTenant {
	t.Helper()

	tenant, owner, err := s.Infra.CreateTenant(ctx, infra.CreateTenantRequest{Name: name})
	require.NoError(t, err, "failed to provision tenant %s", name)

	t.Cleanup(func() {
		if _, err := s.Infra.DeleteTenant(ctx, tenant.Name); err != nil {
			t.Logf("warning: failed to delete tenant %s: %v", tenant.Name, err)
		}
		if err := s.Adapter.DropNamespace(ctx, tenant.Schema); err != nil {
			t.Logf("warning: failed to drop namespace %s: %v", tenant.Schema, err)
		}
	})

	return &TestTenant{Tenant: tenant, Owner: owner, suite: s}
}

// Pipeline builds a fresh registry, pattern cache and record pipeline
// against the suite's adapter. events may be nil.
func (s *IntegrationSuite) Pipeline(events record.ChangePublisher) *record.Pipeline {
	reg := schema.NewRegistry(s.Config, s.Log)
	patterns := patterncache.New(s.Config, s.Log)
	return record.NewPipeline(reg, patterns, events, s.Log)
}

// Context opens the tenant's namespace for the given principal.
func (tt *TestTenant) Context(t *testing.T, p system.Principal) *system.Context {
	t.Helper()

	db, err := tt.suite.Adapter.Namespace(tt.Schema)
	require.NoError(t, err)
	return system.New(tt.Name, p, db, tt.suite.Log)
}

// Root opens the tenant's namespace as the seeded root user.
func (tt *TestTenant) Root(t *testing.T) *system.Context {
	return tt.Context(t, system.Principal{
		ID:     system.RootUserID,
		Name:   "root",
		Access: system.AccessRoot,
	})
}
