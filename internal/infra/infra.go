// Package infra provisions tenant namespaces and owns the infrastructure
// registry. Every tenant gets the same seed tables; the registry records
// which tenant lives in which namespace and which fixtures it received.
package infra

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

const (
	// InfraNamespace holds the tenants and tenant_fixtures tables.
	InfraNamespace = "stratum_infra"

	tenantNamespacePrefix = "tenant_"

	DBTypeShared = "relational-shared"
	DBTypeFile   = "relational-file"
)

var tenantNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,62}$`)

// Tenant is one row of the infrastructure registry.
type Tenant struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	DBType      string     `json:"db_type"`
	Database    string     `json:"database"`
	Schema      string     `json:"schema"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TrashedAt   *time.Time `json:"trashed_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

// User is a principal created during provisioning. Secret carries the
// generated initial password and is only populated at creation time.
type User struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Auth   string    `json:"auth"`
	Access string    `json:"access"`
	Secret string    `json:"secret,omitempty"`
}

type CreateTenantRequest struct {
	Name          string `json:"name" validate:"required,max=63"`
	DBType        string `json:"db_type,omitempty" validate:"omitempty,oneof=relational-shared relational-file"`
	OwnerUsername string `json:"owner_username,omitempty" validate:"omitempty,max=63"`
	Description   string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// Manager provisions tenants and answers registry lookups.
type Manager struct {
	adapter  dbase.Adapter
	infra    dbase.DB
	log      *logger.Logger
	database string
}

func NewManager(adapter dbase.Adapter, cfg *config.Config, log *logger.Logger) (*Manager, error) {
	infraDB, err := adapter.Namespace(InfraNamespace)
	if err != nil {
		return nil, err
	}

	database := cfg.Database.Database
	if adapter.Dialect().Name() == "sqlite" {
		database = cfg.FileStore.Root
	}

	return &Manager{
		adapter:  adapter,
		infra:    infraDB,
		log:      log.WithComponent("infra"),
		database: database,
	}, nil
}

// NamespaceFor maps a tenant name to its storage namespace. Hyphens are
// legal in tenant names but not in SQL identifiers.
func NamespaceFor(name string) string {
	return tenantNamespacePrefix + strings.ReplaceAll(name, "-", "_")
}

func (m *Manager) defaultDBType() string {
	if m.adapter.Dialect().Name() == "sqlite" {
		return DBTypeFile
	}
	return DBTypeShared
}

// Initialize creates the infrastructure namespace and its tables. Safe
// to call on every boot.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.adapter.CreateNamespace(ctx, InfraNamespace); err != nil {
		return err
	}

	stmts, err := infraDDL(m.adapter.Dialect())
	if err != nil {
		return err
	}

	err = m.infra.Transaction(ctx, func(tx dbase.Tx) error {
		for _, stmt := range stmts {
			if err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.log.Info().Msg("infrastructure namespace ready")
	return nil
}

// CreateTenant provisions a namespace, deploys the tenant schema inside
// one transaction and registers the tenant. The returned user is the
// owner; its Secret is the generated initial password.
func (m *Manager) CreateTenant(ctx context.Context, req CreateTenantRequest) (*Tenant, *User, error) {
	if !tenantNameRe.MatchString(req.Name) {
		return nil, nil, errors.ValidationMsg("tenant name must match ^[a-z][a-z0-9_-]{1,62}$")
	}
	if req.OwnerUsername != "" && req.OwnerUsername != "root" && !tenantNameRe.MatchString(req.OwnerUsername) {
		return nil, nil, errors.ValidationMsg("owner_username must match ^[a-z][a-z0-9_-]{1,62}$")
	}

	dbType := req.DBType
	if dbType == "" {
		dbType = m.defaultDBType()
	}
	if dbType != m.defaultDBType() {
		return nil, nil, errors.ValidationMsg(fmt.Sprintf("db_type %q is not supported by this deployment", dbType))
	}

	existing, err := m.infra.Query(ctx,
		`SELECT "id" FROM "tenants" WHERE "name" = $1 AND "deleted_at" IS NULL`, req.Name)
	if err != nil {
		return nil, nil, err
	}
	if existing.RowCount > 0 {
		return nil, nil, errors.TenantExists(req.Name)
	}

	ns := NamespaceFor(req.Name)
	if err := m.adapter.CreateNamespace(ctx, ns); err != nil {
		return nil, nil, err
	}

	tenantDB, err := m.adapter.Namespace(ns)
	if err != nil {
		m.dropNamespace(ctx, ns)
		return nil, nil, err
	}

	var owner *User
	err = tenantDB.Transaction(ctx, func(tx dbase.Tx) error {
		var derr error
		owner, derr = deploySchema(ctx, tx, m.adapter.Dialect(), req.OwnerUsername)
		return derr
	})
	if err != nil {
		m.dropNamespace(ctx, ns)
		return nil, nil, err
	}

	now := time.Now().UTC()
	tenant := &Tenant{
		ID:          uuid.New(),
		Name:        req.Name,
		DBType:      dbType,
		Database:    m.database,
		Schema:      ns,
		OwnerID:     owner.ID,
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	fixtures, err := seedFixtures(m.adapter.Dialect())
	if err != nil {
		m.dropNamespace(ctx, ns)
		return nil, nil, err
	}

	err = m.infra.Transaction(ctx, func(tx dbase.Tx) error {
		_, err := tx.Query(ctx,
			`INSERT INTO "tenants" ("id", "name", "db_type", "database", "schema", "owner_id", "description", "is_active", "created_at", "updated_at")`+
				` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			tenant.ID, tenant.Name, tenant.DBType, tenant.Database, tenant.Schema,
			tenant.OwnerID, tenant.Description, tenant.IsActive, tenant.CreatedAt, tenant.UpdatedAt,
		)
		if err != nil {
			return err
		}
		for _, f := range fixtures {
			_, err := tx.Query(ctx,
				`INSERT INTO "tenant_fixtures" ("id", "tenant_id", "name", "checksum", "applied_at") VALUES ($1, $2, $3, $4, $5)`,
				uuid.New(), tenant.ID, f.Name, f.Checksum, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The registry must never reference a half-built tenant.
		m.dropNamespace(ctx, ns)
		return nil, nil, err
	}

	m.log.Info().Str("tenant", tenant.Name).Str("namespace", ns).Msg("tenant provisioned")
	return tenant, owner, nil
}

// DeployTenantSchema grafts the seed schema into a pre-created namespace
// and returns the owner user id.
func (m *Manager) DeployTenantSchema(ctx context.Context, dbType, schemaName, ownerUsername string) (uuid.UUID, error) {
	if dbType != "" && dbType != m.defaultDBType() {
		return uuid.Nil, errors.ValidationMsg(fmt.Sprintf("db_type %q is not supported by this deployment", dbType))
	}

	db, err := m.adapter.Namespace(schemaName)
	if err != nil {
		return uuid.Nil, err
	}

	var owner *User
	err = db.Transaction(ctx, func(tx dbase.Tx) error {
		var derr error
		owner, derr = deploySchema(ctx, tx, m.adapter.Dialect(), ownerUsername)
		return derr
	})
	if err != nil {
		return uuid.Nil, err
	}
	return owner.ID, nil
}

func (m *Manager) GetTenant(ctx context.Context, name string) (*Tenant, error) {
	res, err := m.infra.Query(ctx,
		`SELECT * FROM "tenants" WHERE "name" = $1 AND "deleted_at" IS NULL`, name)
	if err != nil {
		return nil, err
	}
	row := res.First()
	if row == nil {
		return nil, errors.RecordNotFound(fmt.Sprintf("tenant %q not found", name))
	}
	return tenantFromRow(row), nil
}

func (m *Manager) ListTenants(ctx context.Context) ([]*Tenant, error) {
	res, err := m.infra.Query(ctx,
		`SELECT * FROM "tenants" WHERE "is_active" = $1 AND "deleted_at" IS NULL ORDER BY "name" ASC`, true)
	if err != nil {
		return nil, err
	}
	tenants := make([]*Tenant, 0, res.RowCount)
	for _, row := range res.Rows {
		tenants = append(tenants, tenantFromRow(row))
	}
	return tenants, nil
}

// DeleteTenant soft-deletes the registry row. Physical storage is
// retained.
func (m *Manager) DeleteTenant(ctx context.Context, name string) (*Tenant, error) {
	now := time.Now().UTC()
	res, err := m.infra.Query(ctx,
		`UPDATE "tenants" SET "deleted_at" = $1, "updated_at" = $2, "is_active" = $3 WHERE "name" = $4 AND "deleted_at" IS NULL RETURNING *`,
		now, now, false, name)
	if err != nil {
		return nil, err
	}
	row := res.First()
	if row == nil {
		return nil, errors.RecordNotFound(fmt.Sprintf("tenant %q not found", name))
	}

	m.log.Info().Str("tenant", name).Msg("tenant soft-deleted")
	return tenantFromRow(row), nil
}

func (m *Manager) dropNamespace(ctx context.Context, ns string) {
	if err := m.adapter.DropNamespace(ctx, ns); err != nil {
		m.log.Error().Err(err).Str("namespace", ns).Msg("failed to drop namespace after provisioning error")
	}
}

// deploySchema runs the full seed inside the caller's transaction:
// tables, self-describing metadata, root user, fs tree and, when asked
// for, a separate owner user.
func deploySchema(ctx context.Context, tx dbase.Tx, d dbase.Dialect, ownerUsername string) (*User, error) {
	stmts, err := coreTableDDL(d)
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if err := insertCoreMetadata(ctx, tx, now); err != nil {
		return nil, err
	}

	root, err := insertUser(ctx, tx, system.RootUserID, "root", system.AccessRoot, now)
	if err != nil {
		return nil, err
	}

	owner := root
	if ownerUsername != "" && ownerUsername != "root" {
		owner, err = insertUser(ctx, tx, uuid.New(), ownerUsername, system.AccessFull, now)
		if err != nil {
			return nil, err
		}
	}

	if err := insertFSTree(ctx, tx, root.ID, now); err != nil {
		return nil, err
	}
	return owner, nil
}

func insertUser(ctx context.Context, tx dbase.Tx, id uuid.UUID, name, access string, now time.Time) (*User, error) {
	u := &User{ID: id, Name: name, Auth: name, Access: access}

	_, err := tx.Query(ctx,
		`INSERT INTO "users" ("id", "name", "auth", "access", "created_at", "updated_at") VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Name, u.Auth, u.Access, now, now,
	)
	if err != nil {
		return nil, err
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	_, err = tx.Query(ctx,
		`INSERT INTO "credentials" ("id", "user_id", "secret", "kind", "created_at", "updated_at") VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), u.ID, string(hash), "password", now, now,
	)
	if err != nil {
		return nil, err
	}

	u.Secret = secret
	return u, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func infraDDL(d dbase.Dialect) ([]string, error) {
	uuidT, err := d.ColumnType("uuid")
	if err != nil {
		return nil, err
	}
	textT, err := d.ColumnType("text")
	if err != nil {
		return nil, err
	}
	boolT, err := d.ColumnType("boolean")
	if err != nil {
		return nil, err
	}
	tsT, err := d.ColumnType("timestamp")
	if err != nil {
		return nil, err
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "tenants" (
	"id" %[1]s PRIMARY KEY,
	"name" %[2]s NOT NULL,
	"db_type" %[2]s NOT NULL,
	"database" %[2]s NOT NULL,
	"schema" %[2]s NOT NULL,
	"owner_id" %[1]s,
	"description" %[2]s,
	"is_active" %[3]s NOT NULL,
	"created_at" %[4]s NOT NULL,
	"updated_at" %[4]s NOT NULL,
	"trashed_at" %[4]s,
	"deleted_at" %[4]s
)`, uuidT, textT, boolT, tsT),
		`CREATE UNIQUE INDEX IF NOT EXISTS "idx_tenants_active_name" ON "tenants" ("name") WHERE "deleted_at" IS NULL`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "tenant_fixtures" (
	"id" %[1]s PRIMARY KEY,
	"tenant_id" %[1]s NOT NULL,
	"name" %[2]s NOT NULL,
	"checksum" %[2]s NOT NULL,
	"applied_at" %[3]s NOT NULL
)`, uuidT, textT, tsT),
		`CREATE INDEX IF NOT EXISTS "idx_tenant_fixtures_tenant" ON "tenant_fixtures" ("tenant_id")`,
	}, nil
}

func tenantFromRow(row map[string]any) *Tenant {
	t := &Tenant{}
	if id, ok := dbase.AsUUID(row["id"]); ok {
		t.ID = id
	}
	t.Name, _ = dbase.AsString(row["name"])
	t.DBType, _ = dbase.AsString(row["db_type"])
	t.Database, _ = dbase.AsString(row["database"])
	t.Schema, _ = dbase.AsString(row["schema"])
	if owner, ok := dbase.AsUUID(row["owner_id"]); ok {
		t.OwnerID = owner
	}
	t.Description, _ = dbase.AsString(row["description"])
	t.IsActive, _ = dbase.AsBool(row["is_active"])
	if ts, ok := dbase.AsTime(row["created_at"]); ok {
		t.CreatedAt = ts
	}
	if ts, ok := dbase.AsTime(row["updated_at"]); ok {
		t.UpdatedAt = ts
	}
	t.TrashedAt = dbase.AsTimePtr(row["trashed_at"])
	t.DeletedAt = dbase.AsTimePtr(row["deleted_at"])
	return t
}
