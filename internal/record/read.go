package record

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/filter"
	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/patterncache"
)

const (
	kindSelect = "select"
	kindCount  = "count"
)

// SelectAny runs a filter document against a model and returns the
// records the principal may read.
func (p *Pipeline) SelectAny(ctx context.Context, sc *system.Context, model string, doc map[string]any) ([]map[string]any, error) {
	if err := p.guardRead(sc); err != nil {
		return nil, err
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}

	tr, err := p.translate(sc, s, doc, kindSelect)
	if err != nil {
		return nil, err
	}

	res, err := sc.Querier().Query(ctx, tr.SQL, tr.Params...)
	if err != nil {
		return nil, err
	}
	return p.presentRows(sc, s, res.Rows, tr.Strip)
}

// SelectOne returns the first match, or nil when nothing matches.
func (p *Pipeline) SelectOne(ctx context.Context, sc *system.Context, model string, doc map[string]any) (map[string]any, error) {
	rows, err := p.SelectAny(ctx, sc, model, firstOnly(doc))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Select404 returns the first match or RECORD_NOT_FOUND.
func (p *Pipeline) Select404(ctx context.Context, sc *system.Context, model string, doc map[string]any, msg string) (map[string]any, error) {
	row, err := p.SelectOne(ctx, sc, model, doc)
	if err != nil {
		return nil, err
	}
	if row == nil {
		if msg == "" {
			msg = "record not found"
		}
		return nil, errors.RecordNotFound(msg)
	}
	return row, nil
}

// SelectIDs fetches records by id, honouring the request's soft-delete
// visibility. Missing ids are simply absent from the result.
func (p *Pipeline) SelectIDs(ctx context.Context, sc *system.Context, model string, ids []string) ([]map[string]any, error) {
	if err := p.guardRead(sc); err != nil {
		return nil, err
	}
	if err := validateIDs(ids); err != nil {
		return nil, err
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}

	q, err := filter.Parse(idFilter(ids))
	if err != nil {
		return nil, err
	}
	q.Trashed = sc.Options.Trashed

	sql, params, err := q.ToSelectSQL(s.TableName())
	if err != nil {
		return nil, err
	}
	res, err := sc.Querier().Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return p.presentRows(sc, s, res.Rows, nil)
}

// CountAny counts the rows matching a filter document. The count is
// taken in SQL, before record ACLs apply.
func (p *Pipeline) CountAny(ctx context.Context, sc *system.Context, model string, doc map[string]any) (int64, error) {
	if err := p.guardRead(sc); err != nil {
		return 0, err
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return 0, err
	}

	tr, err := p.translate(sc, s, doc, kindCount)
	if err != nil {
		return 0, err
	}

	res, err := sc.Querier().Query(ctx, tr.SQL, tr.Params...)
	if err != nil {
		return 0, err
	}
	n, _ := dbase.AsInt64(res.First()["count"])
	return n, nil
}

// AggregateAny runs aggregation functions, optionally grouped, over the
// rows matching a filter document.
func (p *Pipeline) AggregateAny(ctx context.Context, sc *system.Context, model string, doc map[string]any, aggs map[string]any, groupBy []string) ([]map[string]any, error) {
	if err := p.guardRead(sc); err != nil {
		return nil, err
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}

	q, err := filter.Parse(doc)
	if err != nil {
		return nil, err
	}
	if !q.TrashedExplicit() {
		q.Trashed = sc.Options.Trashed
	}
	if err := verifyColumns(s, q.Columns()); err != nil {
		return nil, err
	}
	if err := verifyColumns(s, groupBy); err != nil {
		return nil, err
	}
	for _, raw := range aggs {
		fnDoc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, operand := range fnDoc {
			if col, ok := operand.(string); ok && col != "*" {
				if err := verifyColumns(s, []string{col}); err != nil {
					return nil, err
				}
			}
		}
	}

	sql, params, err := q.ToAggregateSQL(s.TableName(), aggs, groupBy)
	if err != nil {
		return nil, err
	}
	res, err := sc.Querier().Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// translate lowers a filter document for a model, memoised in the
// pattern cache. The cache key covers the document, the request's
// soft-delete visibility and the statement kind.
func (p *Pipeline) translate(sc *system.Context, s *schema.Schema, doc map[string]any, kind string) (patterncache.Translation, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return patterncache.Translation{}, errors.ValidationMsg("filter document is not serialisable")
	}
	key := patterncache.Key(sc.Tenant, s.Model.ModelName,
		fmt.Sprintf("%s|%s|%s", kind, sc.Options.Trashed, docJSON))

	if tr, ok := p.patterns.Get(key); ok {
		return tr, nil
	}

	q, err := filter.Parse(doc)
	if err != nil {
		return patterncache.Translation{}, err
	}
	if !q.TrashedExplicit() {
		q.Trashed = sc.Options.Trashed
	}
	if err := verifyColumns(s, q.Columns()); err != nil {
		return patterncache.Translation{}, err
	}

	var tr patterncache.Translation
	switch kind {
	case kindCount:
		sql, params, err := q.ToCountSQL(s.TableName())
		if err != nil {
			return patterncache.Translation{}, err
		}
		tr = patterncache.Translation{SQL: sql, Params: params}
	default:
		// Record ACLs are evaluated on the rows, so a narrowed
		// projection still has to carry the access columns home.
		strip := q.EnsureColumns(system.ACLFields...)
		sql, params, err := q.ToSelectSQL(s.TableName())
		if err != nil {
			return patterncache.Translation{}, err
		}
		tr = patterncache.Translation{SQL: sql, Params: params, Strip: strip}
	}

	p.patterns.Put(key, []string{patterncache.ModelKey(sc.Tenant, s.Model.ModelName)}, tr)
	return tr, nil
}

// presentRows is the shared read epilogue: decode driver cells, apply
// record ACLs, hide sudo fields and drop bookkeeping columns.
func (p *Pipeline) presentRows(sc *system.Context, s *schema.Schema, rows []map[string]any, strip []string) ([]map[string]any, error) {
	if err := decodeRows(sc.DB.Dialect(), s, rows); err != nil {
		return nil, err
	}
	rows = system.FilterReadable(sc.Principal, rows)
	stripSudoFields(sc, s, rows)
	stripColumns(rows, strip)
	return rows, nil
}

// verifyColumns rejects identifiers that are neither base columns nor
// fields of the model.
func verifyColumns(s *schema.Schema, cols []string) error {
	for _, c := range cols {
		if schema.IsBaseColumn(c) || s.Field(c) != nil {
			continue
		}
		return errors.ColumnNotFound(c)
	}
	return nil
}

// decodeRows converts driver cells into wire values: arrays and jsonb
// per dialect, numerics and booleans per field type.
func decodeRows(d dbase.Dialect, s *schema.Schema, rows []map[string]any) error {
	for _, row := range rows {
		if err := decodeRow(d, s, row); err != nil {
			return err
		}
	}
	return nil
}

func decodeRow(d dbase.Dialect, s *schema.Schema, row map[string]any) error {
	for name, v := range row {
		if v == nil {
			continue
		}
		if system.IsACLField(name) {
			elems, err := d.DecodeArray(v, "uuid")
			if err != nil {
				return errors.Wrap(err, "INTERNAL_ERROR", "failed to decode access column", 500)
			}
			if elems == nil {
				elems = []any{}
			}
			row[name] = elems
			continue
		}
		f := s.Field(name)
		if f == nil {
			continue
		}
		if f.Array() {
			elems, err := d.DecodeArray(v, f.BaseType())
			if err != nil {
				return errors.Wrap(err, "INTERNAL_ERROR", "failed to decode array column "+name, 500)
			}
			row[name] = elems
			continue
		}
		switch f.BaseType() {
		case "jsonb":
			decoded, err := d.DecodeJSON(v)
			if err != nil {
				return errors.Wrap(err, "INTERNAL_ERROR", "failed to decode jsonb column "+name, 500)
			}
			row[name] = decoded
		case "boolean":
			if b, ok := dbase.AsBool(v); ok {
				row[name] = b
			}
		case "integer", "bigserial":
			if n, ok := dbase.AsInt64(v); ok {
				row[name] = n
			}
		case "decimal", "numeric":
			if fv, ok := dbase.AsFloat64(v); ok {
				row[name] = fv
			}
		}
	}
	return nil
}

// stripSudoFields removes sudo-flagged attributes from rows headed to a
// non-elevated caller.
func stripSudoFields(sc *system.Context, s *schema.Schema, rows []map[string]any) {
	if sc.Elevated() {
		return
	}
	var hidden []string
	for _, f := range s.Fields {
		if f.Sudo {
			hidden = append(hidden, f.FieldName)
		}
	}
	if len(hidden) == 0 {
		return
	}
	for _, row := range rows {
		for _, name := range hidden {
			delete(row, name)
		}
	}
}

func stripColumns(rows []map[string]any, cols []string) {
	if len(cols) == 0 {
		return
	}
	for _, row := range rows {
		for _, c := range cols {
			delete(row, c)
		}
	}
}

// firstOnly narrows a document to its first match without mutating the
// caller's copy.
func firstOnly(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["limit"] = 1
	return out
}

func idFilter(ids []string) map[string]any {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return map[string]any{"where": map[string]any{"id": map[string]any{"$in": list}}}
}

func validateIDs(ids []string) error {
	if len(ids) == 0 {
		return errors.ValidationMsg("at least one id is required")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return errors.ValidationMsg(fmt.Sprintf("invalid record id %q", id))
		}
	}
	return nil
}
