package schema

import (
	"context"
	"sync"
	"time"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// Registry caches model definitions per (tenant, model). Invalidation
// happens on every pipeline write to models or fields; the TTL bounds
// staleness when an invalidation is lost.
type Registry struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry

	ttl            time.Duration
	allowNameReuse bool
	log            *logger.Logger
}

type cacheEntry struct {
	schema    *Schema
	fetchedAt time.Time
}

func NewRegistry(cfg *config.Config, log *logger.Logger) *Registry {
	return &Registry{
		cache:          make(map[string]*cacheEntry),
		ttl:            cfg.Cache.SchemaTTL,
		allowNameReuse: cfg.Schema.AllowNameReuse,
		log:            log.WithComponent("schema"),
	}
}

// AllowNameReuse reports whether soft-deleted model names may be
// registered again.
func (r *Registry) AllowNameReuse() bool {
	return r.allowNameReuse
}

// ToSchema resolves a model definition. Inside a transaction the cache
// is bypassed in both directions so the schema always reflects rows
// visible to that transaction.
func (r *Registry) ToSchema(ctx context.Context, sc *system.Context, modelName string) (*Schema, error) {
	inTx := sc.Tx() != nil
	if !inTx {
		if s := r.cached(sc.Tenant, modelName); s != nil {
			return s, nil
		}
	}

	s, err := r.fetch(ctx, sc, modelName)
	if err != nil {
		return nil, err
	}
	if !inTx {
		r.store(sc.Tenant, modelName, s)
	}
	return s, nil
}

// ModelNameTaken reports whether a models row blocks creating name
// under the configured reuse policy. With reuse disabled, trashed
// metadata still blocks.
func (r *Registry) ModelNameTaken(ctx context.Context, sc *system.Context, name string) (bool, error) {
	q := `SELECT "id" FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL`
	if r.allowNameReuse {
		q += ` AND "trashed_at" IS NULL`
	}
	res, err := sc.Querier().Query(ctx, q, name)
	if err != nil {
		return false, err
	}
	return res.RowCount > 0, nil
}

// Invalidate drops the cached schema for one model.
func (r *Registry) Invalidate(tenant, model string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(tenant, model))
	r.mu.Unlock()
}

// InvalidateTenant drops every cached schema for a tenant.
func (r *Registry) InvalidateTenant(tenant string) {
	prefix := tenant + "/"
	r.mu.Lock()
	for k := range r.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()
}

// Purge empties the cache.
func (r *Registry) Purge() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()
}

func (r *Registry) fetch(ctx context.Context, sc *system.Context, modelName string) (*Schema, error) {
	q := sc.Querier()

	res, err := q.Query(ctx,
		`SELECT * FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`,
		modelName)
	if err != nil {
		return nil, err
	}
	row := res.First()
	if row == nil {
		return nil, errors.ModelNotFound(modelName)
	}
	model := ModelFromRow(row)

	fres, err := q.Query(ctx,
		`SELECT * FROM "fields" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL ORDER BY "created_at" ASC`,
		modelName)
	if err != nil {
		return nil, err
	}

	d := sc.DB.Dialect()
	fields := make([]*Field, 0, fres.RowCount)
	for _, frow := range fres.Rows {
		fields = append(fields, FieldFromRow(d, frow))
	}
	return NewSchema(model, fields), nil
}

func (r *Registry) cached(tenant, model string) *Schema {
	if r.ttl <= 0 {
		return nil
	}

	key := cacheKey(tenant, model)
	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Since(e.fetchedAt) > r.ttl {
		r.mu.Lock()
		delete(r.cache, key)
		r.mu.Unlock()
		return nil
	}
	return e.schema
}

func (r *Registry) store(tenant, model string, s *Schema) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[cacheKey(tenant, model)] = &cacheEntry{schema: s, fetchedAt: time.Now()}
	r.mu.Unlock()
}

func cacheKey(tenant, model string) string {
	return tenant + "/" + model
}
