// Package record is the single write path for records. Every create,
// update, delete, revert and access change flows through the pipeline:
// schema validation, the observer chain, exactly one transaction per
// batch, and post-commit cache invalidation and change events.
package record

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/patterncache"
)

// Observer phases. Revert and access changes run through the update
// phases; the invocation's Operation tells them apart.
type Phase string

const (
	CreatePre  Phase = "pre-create"
	CreatePost Phase = "post-create"
	UpdatePre  Phase = "pre-update"
	UpdatePost Phase = "post-update"
	DeletePre  Phase = "pre-delete"
	DeletePost Phase = "post-delete"
)

// Operations as recorded in history and change events.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpPurge  = "purge"
	OpRevert = "revert"
	OpAccess = "access"
)

// Wildcard registers an observer for every model.
const Wildcard = "*"

// Invocation carries one batch through the observer chain. Records is
// the batch in input order; Previous holds the pre-write rows aligned
// by index for update-family and delete operations, nil on create.
// Observers run inside the batch transaction and may query through Tx;
// a pre-phase observer returning an error rolls the whole batch back.
type Invocation struct {
	System    *system.Context
	Schema    *schema.Schema
	Model     string
	Operation string
	Phase     Phase
	Records   []map[string]any
	Previous  []map[string]any
	Tx        dbase.Tx
}

// Observer is a hook registered against a (model, phase) pair.
type Observer interface {
	Run(ctx context.Context, inv *Invocation) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, inv *Invocation) error

func (f ObserverFunc) Run(ctx context.Context, inv *Invocation) error {
	return f(ctx, inv)
}

type registration struct {
	model string
	phase Phase
	obs   Observer
}

// ChangePublisher fans a committed batch out to interested consumers.
// Publishing happens after commit and never fails the write.
type ChangePublisher interface {
	PublishChange(ctx context.Context, tenant, model, operation string, recordIDs []string, changedBy string)
}

// Pipeline executes batches against tenant namespaces. One pipeline
// serves the whole process; per-request state arrives in the
// system.Context.
type Pipeline struct {
	registry *schema.Registry
	patterns *patterncache.Cache
	events   ChangePublisher
	log      *logger.Logger

	mu        sync.RWMutex
	observers []registration
}

// NewPipeline builds a pipeline and registers the built-in observers:
// metadata validation and DDL execution for models and fields, saved
// filter validation, and the change-history writer. events may be nil.
func NewPipeline(registry *schema.Registry, patterns *patterncache.Cache, events ChangePublisher, log *logger.Logger) *Pipeline {
	p := &Pipeline{
		registry: registry,
		patterns: patterns,
		events:   events,
		log:      log.WithComponent("record"),
	}
	p.registerBuiltins()
	return p
}

// Register appends an observer for the (model, phase) pair. Observers
// run in registration order; wildcard observers run before
// model-specific ones.
func (p *Pipeline) Register(model string, phase Phase, obs Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, registration{model: model, phase: phase, obs: obs})
	p.mu.Unlock()
}

func (p *Pipeline) chain(model string, phase Phase) []Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var wildcard, specific []Observer
	for _, r := range p.observers {
		if r.phase != phase {
			continue
		}
		switch r.model {
		case Wildcard:
			wildcard = append(wildcard, r.obs)
		case model:
			specific = append(specific, r.obs)
		}
	}
	return append(wildcard, specific...)
}

func (p *Pipeline) run(ctx context.Context, inv *Invocation) error {
	for _, obs := range p.chain(inv.Model, inv.Phase) {
		if err := obs.Run(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn inside the request transaction, reusing the active one
// when a caller composed several pipeline operations into one batch.
func (p *Pipeline) inTx(ctx context.Context, sc *system.Context, fn func(tx dbase.Tx) error) error {
	if tx := sc.Tx(); tx != nil {
		return fn(tx)
	}
	return sc.Transaction(ctx, fn)
}

// guardWrite enforces the model-level write protections. Elevated
// contexts (sudo surface or internal metadata surfaces) bypass them.
func (p *Pipeline) guardWrite(sc *system.Context, s *schema.Schema, op string) error {
	if !sc.Principal.CanWrite() {
		return errors.Forbidden("write access required")
	}
	if sc.Elevated() {
		return nil
	}
	name := s.Model.ModelName
	if s.IsSystem() {
		return errors.SystemModelProtected(name)
	}
	if s.Model.Sudo {
		return errors.Forbidden("model " + name + " requires the sudo surface")
	}
	if s.Model.Frozen {
		return errors.Forbidden("model " + name + " is frozen")
	}
	if s.Model.Immutable && (op == OpUpdate || op == OpRevert || op == OpAccess) {
		return errors.Forbidden("records of model " + name + " are immutable")
	}
	return nil
}

func (p *Pipeline) guardRead(sc *system.Context) error {
	if !sc.Principal.CanRead() {
		return errors.Forbidden("read access denied")
	}
	return nil
}

// committed queues the post-commit work for a successful batch: schema
// and pattern cache invalidation plus the change event. Metadata writes
// invalidate the schemas they describe.
func (p *Pipeline) committed(ctx context.Context, sc *system.Context, s *schema.Schema, op string, records []map[string]any) {
	model := s.Model.ModelName
	ids := recordIDs(records)

	// Rows are mutated after this point (response shaping), so pull the
	// described model names out now.
	var described []string
	if model == "models" || model == "fields" {
		for _, rec := range records {
			if name, ok := dbase.AsString(rec["model_name"]); ok && name != "" {
				described = append(described, name)
			}
		}
	}

	sc.AfterCommit(func() {
		p.patterns.InvalidateModel(sc.Tenant, model)
		for _, name := range described {
			p.registry.Invalidate(sc.Tenant, name)
			p.patterns.InvalidateModel(sc.Tenant, name)
		}

		if p.events != nil {
			detached := context.WithoutCancel(ctx)
			go p.events.PublishChange(detached, sc.Tenant, model, op, ids, sc.Principal.ID.String())
		}
	})
}

func recordIDs(records []map[string]any) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if id, ok := dbase.AsString(rec["id"]); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// assignBase stamps the pipeline-owned columns on a new record. A caller
// may supply its own id; everything else is overwritten.
func assignBase(rec map[string]any, now time.Time) error {
	id := uuid.New()
	if raw, ok := rec["id"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return errors.ValidationMsg("id must be a uuid string")
		}
		parsed, err := uuid.Parse(s)
		if err != nil {
			return errors.ValidationMsg("id must be a uuid string")
		}
		id = parsed
	}
	rec["id"] = id.String()
	rec["created_at"] = now
	rec["updated_at"] = now
	rec["trashed_at"] = nil
	rec["deleted_at"] = nil
	for _, col := range system.ACLFields {
		if _, ok := rec[col]; !ok || rec[col] == nil {
			rec[col] = []string{}
			continue
		}
		ids, err := aclList(col, rec[col])
		if err != nil {
			return err
		}
		rec[col] = ids
	}
	return nil
}

// aclList validates an access_* value: an array of user id strings.
func aclList(col string, v any) ([]string, error) {
	var raw []any
	switch list := v.(type) {
	case []any:
		raw = list
	case []string:
		raw = make([]any, len(list))
		for i, s := range list {
			raw[i] = s
		}
	default:
		return nil, errors.ValidationMsg(col + " must be an array of user ids")
	}

	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, errors.ValidationMsg(col + " must be an array of user ids")
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.ValidationMsg(col + " entries must be uuids")
		}
		out = append(out, id.String())
	}
	return out, nil
}

// applyDefaults fills absent fields from their default definitions so a
// defaulted required field passes validation without a caller value.
func applyDefaults(s *schema.Schema, rec map[string]any) {
	for _, f := range s.Fields {
		if f.DefaultValue == nil || f.Array() {
			continue
		}
		if v, ok := rec[f.FieldName]; ok && v != nil {
			continue
		}
		rec[f.FieldName] = *f.DefaultValue
	}
}

// guardSudoFields rejects writes that touch sudo-flagged fields from
// non-elevated contexts. keys are the caller-supplied attributes.
func guardSudoFields(sc *system.Context, s *schema.Schema, rec map[string]any) error {
	if sc.Elevated() {
		return nil
	}
	for name := range rec {
		if f := s.Field(name); f != nil && f.Sudo {
			return errors.Forbidden("field " + name + " requires the sudo surface")
		}
	}
	return nil
}
