package record

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/stratumhq/stratum-backend/internal/filter"
	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// registerBuiltins wires the observers the engine itself depends on:
// metadata validation and DDL for models and fields, saved filter
// validation, and the change-history writer. They register before any
// caller-supplied observer, so within a phase they run first.
func (p *Pipeline) registerBuiltins() {
	p.Register("models", CreatePre, ObserverFunc(p.modelCreateCheck))
	p.Register("models", UpdatePre, ObserverFunc(p.modelUpdateCheck))
	p.Register("models", DeletePre, ObserverFunc(p.modelDeleteCheck))
	p.Register("models", CreatePost, ObserverFunc(p.modelCreateDDL))
	p.Register("models", DeletePost, ObserverFunc(p.modelDeleteDDL))

	p.Register("fields", CreatePre, ObserverFunc(p.fieldCreateCheck))
	p.Register("fields", UpdatePre, ObserverFunc(p.fieldUpdateCheck))
	p.Register("fields", DeletePre, ObserverFunc(p.fieldDeleteCheck))
	p.Register("fields", CreatePost, ObserverFunc(p.fieldCreateDDL))
	p.Register("fields", UpdatePost, ObserverFunc(p.fieldUpdateDDL))
	p.Register("fields", DeletePost, ObserverFunc(p.fieldDeleteDDL))

	p.Register("filters", CreatePre, ObserverFunc(p.filterCheck))
	p.Register("filters", UpdatePre, ObserverFunc(p.filterCheck))

	p.Register(Wildcard, CreatePost, ObserverFunc(p.recordHistory))
	p.Register(Wildcard, UpdatePost, ObserverFunc(p.recordHistory))
	p.Register(Wildcard, DeletePost, ObserverFunc(p.recordHistory))
}

// modelCreateCheck validates new model definitions: name format, name
// availability under the reuse policy, and status normalisation. Only
// the sudo surface may seed non-pending models.
func (p *Pipeline) modelCreateCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing models requires schema rights")
	}

	seen := map[string]bool{}
	for _, rec := range inv.Records {
		name, _ := dbase.AsString(rec["model_name"])
		if !schema.NameRe.MatchString(name) {
			return errors.ValidationMsg("invalid model name " + quoteName(name))
		}
		if seen[name] {
			return errors.Conflict("duplicate model " + name + " in batch")
		}
		seen[name] = true

		taken, err := p.registry.ModelNameTaken(ctx, inv.System, name)
		if err != nil {
			return err
		}
		if taken {
			return errors.Conflict("model name " + name + " is already taken")
		}

		status, _ := dbase.AsString(rec["status"])
		if status == "" {
			rec["status"] = schema.StatusPending
			continue
		}
		if status != schema.StatusPending && !inv.System.Sudo() {
			return errors.ValidationMsg("model status is managed by the engine")
		}
		switch status {
		case schema.StatusPending, schema.StatusActive, schema.StatusSystem:
		default:
			return errors.ValidationMsg("invalid model status " + quoteName(status))
		}
	}
	return nil
}

// modelUpdateCheck keeps model identity stable and walls off system
// model definitions from everything below the sudo surface.
func (p *Pipeline) modelUpdateCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing models requires schema rights")
	}
	for i, rec := range inv.Records {
		prev := inv.Previous[i]
		name, _ := dbase.AsString(prev["model_name"])

		if prevStatus, _ := dbase.AsString(prev["status"]); prevStatus == schema.StatusSystem && !inv.System.Sudo() {
			return errors.SystemModelProtected(name)
		}
		if newName, _ := dbase.AsString(rec["model_name"]); newName != name {
			return errors.ValidationMsg("model_name is immutable")
		}
		newStatus, _ := dbase.AsString(rec["status"])
		oldStatus, _ := dbase.AsString(prev["status"])
		if newStatus != oldStatus && !inv.System.Sudo() {
			return errors.ValidationMsg("model status is managed by the engine")
		}
	}
	return nil
}

func (p *Pipeline) modelDeleteCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing models requires schema rights")
	}
	for _, rec := range inv.Records {
		if status, _ := dbase.AsString(rec["status"]); status == schema.StatusSystem && !inv.System.Sudo() {
			name, _ := dbase.AsString(rec["model_name"])
			return errors.SystemModelProtected(name)
		}
	}
	return nil
}

// modelCreateDDL materialises the backing table for each new model and
// promotes it from pending to active. External models bring their own
// storage and are left alone.
func (p *Pipeline) modelCreateDDL(ctx context.Context, inv *Invocation) error {
	d := inv.System.DB.Dialect()
	now := time.Now().UTC()

	for _, rec := range inv.Records {
		if external, _ := dbase.AsBool(rec["external"]); external {
			continue
		}
		m := schema.ModelFromRow(rec)
		stmts, err := schema.NewSchema(m, nil).CreateDDL(d)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := inv.Tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}

		if m.Status == schema.StatusPending {
			_, err := inv.Tx.Query(ctx,
				`UPDATE "models" SET "status" = $1, "updated_at" = $2 WHERE "id" = $3`,
				schema.StatusActive, now, m.ID.String())
			if err != nil {
				return err
			}
			rec["status"] = schema.StatusActive
			rec["updated_at"] = now
		}
	}
	return nil
}

// modelDeleteDDL drops the backing table of a soft-deleted model and
// trashes its field metadata. The models row itself stays, which keeps
// the name occupied while the metadata exists.
func (p *Pipeline) modelDeleteDDL(ctx context.Context, inv *Invocation) error {
	now := time.Now().UTC()
	for _, rec := range inv.Records {
		name, _ := dbase.AsString(rec["model_name"])
		if external, _ := dbase.AsBool(rec["external"]); !external {
			if err := inv.Tx.Exec(ctx, schema.DropTableDDL(name)); err != nil {
				return err
			}
		}
		_, err := inv.Tx.Query(ctx,
			`UPDATE "fields" SET "trashed_at" = $1, "updated_at" = $2 WHERE "model_name" = $3 AND "trashed_at" IS NULL`,
			now, now, name)
		if err != nil {
			return err
		}
	}
	return nil
}

// fieldCreateCheck validates new field definitions against their model
// and the batch.
func (p *Pipeline) fieldCreateCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing fields requires schema rights")
	}

	seen := map[string]bool{}
	for _, rec := range inv.Records {
		model, _ := dbase.AsString(rec["model_name"])
		name, _ := dbase.AsString(rec["field_name"])
		ftype, _ := dbase.AsString(rec["type"])

		if !schema.NameRe.MatchString(name) {
			return errors.ValidationMsg("invalid field name " + quoteName(name))
		}
		if schema.IsBaseColumn(name) {
			return errors.ValidationMsg("field name " + name + " collides with a base column")
		}
		if !schema.ValidFieldType(ftype) {
			return errors.ValidationMsg("unknown field type " + quoteName(ftype))
		}

		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if status, _ := dbase.AsString(target["status"]); status == schema.StatusSystem && !inv.System.Sudo() {
			return errors.SystemModelProtected(model)
		}

		key := model + "." + name
		if seen[key] {
			return errors.Conflict("duplicate field " + key + " in batch")
		}
		seen[key] = true

		res, err := inv.Tx.Query(ctx,
			`SELECT "id" FROM "fields" WHERE "model_name" = $1 AND "field_name" = $2 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`,
			model, name)
		if err != nil {
			return err
		}
		if res.RowCount > 0 {
			return errors.Conflict("field " + key + " already exists")
		}

		if related, _ := dbase.AsString(rec["related_model"]); related != "" {
			if _, err := p.modelRow(ctx, inv, related); err != nil {
				return err
			}
		}
	}
	return nil
}

// fieldUpdateCheck keeps field identity stable; type changes are judged
// by the DDL observer, which sees both sides.
func (p *Pipeline) fieldUpdateCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing fields requires schema rights")
	}
	for i, rec := range inv.Records {
		prev := inv.Previous[i]
		model, _ := dbase.AsString(prev["model_name"])

		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if status, _ := dbase.AsString(target["status"]); status == schema.StatusSystem && !inv.System.Sudo() {
			return errors.SystemModelProtected(model)
		}

		if newModel, _ := dbase.AsString(rec["model_name"]); newModel != model {
			return errors.ValidationMsg("model_name is immutable")
		}
		oldName, _ := dbase.AsString(prev["field_name"])
		if newName, _ := dbase.AsString(rec["field_name"]); newName != oldName {
			return errors.ValidationMsg("field_name is immutable")
		}
	}
	return nil
}

func (p *Pipeline) fieldDeleteCheck(ctx context.Context, inv *Invocation) error {
	if !inv.System.Principal.CanManageSchema() {
		return errors.Forbidden("managing fields requires schema rights")
	}
	for _, rec := range inv.Records {
		model, _ := dbase.AsString(rec["model_name"])
		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if status, _ := dbase.AsString(target["status"]); status == schema.StatusSystem && !inv.System.Sudo() {
			return errors.SystemModelProtected(model)
		}
	}
	return nil
}

// fieldCreateDDL adds the backing column for each new field.
func (p *Pipeline) fieldCreateDDL(ctx context.Context, inv *Invocation) error {
	d := inv.System.DB.Dialect()
	for _, rec := range inv.Records {
		model, _ := dbase.AsString(rec["model_name"])
		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if external, _ := dbase.AsBool(target["external"]); external {
			continue
		}

		probe, err := inv.Tx.Query(ctx, "SELECT 1 FROM "+qi(model)+" LIMIT 1")
		if err != nil {
			return err
		}
		tableEmpty := probe.RowCount == 0

		f := schema.FieldFromRow(d, rec)
		stmts, err := schema.AddColumnDDL(d, model, f, tableEmpty)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := inv.Tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// fieldUpdateDDL applies column type changes. Only widening conversions
// pass; anything else rolls the batch back.
func (p *Pipeline) fieldUpdateDDL(ctx context.Context, inv *Invocation) error {
	d := inv.System.DB.Dialect()
	for i, rec := range inv.Records {
		model, _ := dbase.AsString(rec["model_name"])
		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if external, _ := dbase.AsBool(target["external"]); external {
			continue
		}

		oldField := schema.FieldFromRow(d, inv.Previous[i])
		newField := schema.FieldFromRow(d, rec)
		stmts, err := schema.AlterColumnDDL(d, model, oldField, newField)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := inv.Tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// fieldDeleteDDL drops the backing column of a soft-deleted field. The
// metadata row stays trashed; the data is gone.
func (p *Pipeline) fieldDeleteDDL(ctx context.Context, inv *Invocation) error {
	d := inv.System.DB.Dialect()
	for _, rec := range inv.Records {
		model, _ := dbase.AsString(rec["model_name"])
		name, _ := dbase.AsString(rec["field_name"])
		target, err := p.modelRow(ctx, inv, model)
		if err != nil {
			return err
		}
		if external, _ := dbase.AsBool(target["external"]); external {
			continue
		}
		if err := inv.Tx.Exec(ctx, schema.DropColumnDDL(d, model, name)); err != nil {
			return err
		}
	}
	return nil
}

// filterNameRe allows hyphenated filter names ("high-value"); filters
// are addressed by URL, never used as SQL identifiers.
var filterNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// filterCheck validates saved filters: the name, the target model, the
// document itself and active-name uniqueness.
func (p *Pipeline) filterCheck(ctx context.Context, inv *Invocation) error {
	for _, rec := range inv.Records {
		name, _ := dbase.AsString(rec["name"])
		if !filterNameRe.MatchString(name) {
			return errors.ValidationMsg("invalid filter name " + quoteName(name))
		}

		model, _ := dbase.AsString(rec["model_name"])
		s, err := p.registry.ToSchema(ctx, inv.System, model)
		if err != nil {
			return err
		}

		doc, err := filterDocument(rec)
		if err != nil {
			return err
		}
		q, err := filter.Parse(doc)
		if err != nil {
			return err
		}
		if err := verifyColumns(s, q.Columns()); err != nil {
			return err
		}

		id, _ := dbase.AsString(rec["id"])
		res, err := inv.Tx.Query(ctx,
			`SELECT "id" FROM "filters" WHERE "name" = $1 AND "id" != $2 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`,
			name, id)
		if err != nil {
			return err
		}
		if res.RowCount > 0 {
			return errors.Conflict("filter name " + name + " is already taken")
		}
	}
	return nil
}

// filterDocument reassembles the query document from a filters row. The
// jsonb attributes hold canonical JSON text after validation.
func filterDocument(rec map[string]any) (map[string]any, error) {
	doc := map[string]any{}
	for _, key := range []string{"select", "where", "order"} {
		raw := rec[key]
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			doc[key] = raw
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, errors.ValidationMsg("filter " + key + " is not valid json")
		}
		if v != nil {
			doc[key] = v
		}
	}
	for _, key := range []string{"limit", "offset"} {
		if rec[key] == nil {
			continue
		}
		if n, ok := dbase.AsInt64(rec[key]); ok {
			doc[key] = n
		}
	}
	return doc, nil
}

// modelRow loads a live models row inside the batch transaction.
func (p *Pipeline) modelRow(ctx context.Context, inv *Invocation, name string) (map[string]any, error) {
	res, err := inv.Tx.Query(ctx,
		`SELECT * FROM "models" WHERE "model_name" = $1 AND "deleted_at" IS NULL AND "trashed_at" IS NULL`,
		name)
	if err != nil {
		return nil, err
	}
	row := res.First()
	if row == nil {
		return nil, errors.ModelNotFound(name)
	}
	return row, nil
}

func quoteName(s string) string {
	return `"` + s + `"`
}
