// Package system carries the per-request context every core component
// receives: the resolved tenant, the authenticated principal, the scoped
// database handle and the request options. It is an explicit value, never
// stored in goroutine-local state, so concurrent requests against the
// same tenant cannot observe each other's options or transaction.
package system

import (
	"context"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// Coarse access levels, most to least privileged.
const (
	AccessRoot = "root"
	AccessFull = "full"
	AccessEdit = "edit"
	AccessRead = "read"
	AccessDeny = "deny"
)

// Soft-delete visibility for reads.
const (
	TrashedExclude = "exclude"
	TrashedInclude = "include"
	TrashedOnly    = "only"
)

// RootUserID is the reserved id of every tenant's root user.
var RootUserID = uuid.Nil

// Principal is the authenticated caller.
type Principal struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Access string    `json:"access"`
}

// IsRoot reports whether the principal is the tenant root user or carries
// the root access level.
func (p Principal) IsRoot() bool {
	return p.Access == AccessRoot || p.ID == RootUserID
}

// CanSudo reports whether the principal may request the sudo surface.
func (p Principal) CanSudo() bool {
	return p.IsRoot() || p.Access == AccessFull
}

// CanWrite reports whether the principal may mutate records.
func (p Principal) CanWrite() bool {
	switch p.Access {
	case AccessRoot, AccessFull, AccessEdit:
		return true
	}
	return p.ID == RootUserID
}

// CanRead reports whether the principal may read records at all.
func (p Principal) CanRead() bool {
	return p.Access != AccessDeny
}

// CanManageSchema reports whether the principal may create or alter models.
func (p Principal) CanManageSchema() bool {
	return p.IsRoot() || p.Access == AccessFull
}

// Options carries the per-request modifiers parsed by the surface.
type Options struct {
	// Trashed selects soft-delete visibility: exclude, include or only.
	Trashed string
	// Stat controls whether base timestamp columns appear in responses.
	Stat bool
	// Access controls whether access_* columns appear in responses.
	Access bool
	// Pick limits response attributes. Applied after filtering.
	Pick []string
	// Sudo marks the privileged surface; only honoured for principals
	// where CanSudo is true.
	Sudo bool
	// IncludeTrashed permits reverting trashed records through update.
	IncludeTrashed bool
	// Elevated is set by internal surfaces that write system models on
	// the caller's behalf. It is never parsed from a request.
	Elevated bool
}

// DefaultOptions returns the options every request starts from.
func DefaultOptions() Options {
	return Options{
		Trashed: TrashedExclude,
		Stat:    true,
		Access:  true,
	}
}

// Context is the per-request system context. One instance serves exactly
// one request against exactly one tenant namespace.
type Context struct {
	Tenant    string
	Principal Principal
	DB        dbase.DB
	Options   Options
	Logger    *logger.Logger
	RequestID string

	tx          dbase.Tx
	afterCommit []func()
}

// New builds a request context with default options.
func New(tenant string, principal Principal, db dbase.DB, log *logger.Logger) *Context {
	return &Context{
		Tenant:    tenant,
		Principal: principal,
		DB:        db,
		Options:   DefaultOptions(),
		Logger:    log.WithTenant(tenant),
	}
}

// Querier is the read surface shared by scoped handles and transactions.
type Querier interface {
	Query(ctx context.Context, query string, params ...any) (*dbase.Result, error)
}

// Querier returns the active transaction when a batch is running, the
// plain handle otherwise. Reads issued inside a batch observe the batch's
// own writes.
func (c *Context) Querier() Querier {
	if c.tx != nil {
		return c.tx
	}
	return c.DB
}

// Tx returns the active transaction, or nil outside a batch.
func (c *Context) Tx() dbase.Tx {
	return c.tx
}

// Transaction runs fn inside the request's single transaction. Nesting is
// forbidden; at most one transaction is active per request. Hooks queued
// with AfterCommit run once the transaction has committed.
func (c *Context) Transaction(ctx context.Context, fn func(dbase.Tx) error) error {
	if c.tx != nil {
		return errors.Internal("nested transaction")
	}
	err := c.DB.Transaction(ctx, func(tx dbase.Tx) error {
		c.tx = tx
		defer func() { c.tx = nil }()
		return fn(tx)
	})
	hooks := c.afterCommit
	c.afterCommit = nil
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// AfterCommit queues fn to run once the active transaction commits. Rolled
// back work drops its hooks. Outside a transaction fn runs immediately.
func (c *Context) AfterCommit(fn func()) {
	if c.tx == nil {
		fn()
		return
	}
	c.afterCommit = append(c.afterCommit, fn)
}

// Sudo reports whether this request runs on the privileged surface.
func (c *Context) Sudo() bool {
	return c.Options.Sudo && c.Principal.CanSudo()
}

// Elevated reports whether system-model writes are permitted on this
// request, either through sudo or through an internal surface.
func (c *Context) Elevated() bool {
	return c.Options.Elevated || c.Sudo()
}
