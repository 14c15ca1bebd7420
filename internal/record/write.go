package record

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// CreateAll inserts a batch of records in one transaction. Each record
// is validated and stamped with id, timestamps and ACL defaults; the
// whole batch rolls back when any record fails.
func (p *Pipeline) CreateAll(ctx context.Context, sc *system.Context, model string, records []map[string]any) ([]map[string]any, error) {
	if len(records) == 0 {
		return nil, errors.ValidationMsg("at least one record is required")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpCreate); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	prepared := make([]map[string]any, len(records))
	for i, rec := range records {
		cp := copyRecord(rec)
		if err := guardSudoFields(sc, s, cp); err != nil {
			return nil, err
		}
		if err := assignBase(cp, now); err != nil {
			return nil, err
		}
		applyDefaults(s, cp)
		if err := s.ValidateRecord(cp); err != nil {
			return nil, err
		}
		prepared[i] = cp
	}

	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpCreate, Phase: CreatePre, Records: prepared, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		stmt, params := insertSQL(s, prepared)
		res, err := tx.Query(ctx, stmt, params...)
		if err != nil {
			return err
		}
		rows := orderByIDs(res.Rows, recordIDs(prepared))
		if err := decodeRows(sc.DB.Dialect(), s, rows); err != nil {
			return err
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpCreate, Phase: CreatePost, Records: rows, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpCreate, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// CreateOne inserts a single record.
func (p *Pipeline) CreateOne(ctx context.Context, sc *system.Context, model string, rec map[string]any) (map[string]any, error) {
	rows, err := p.CreateAll(ctx, sc, model, []map[string]any{rec})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// UpdateAll applies a batch of updates, each carrying an id plus the
// changed attributes. Rows are prefetched inside the transaction: a
// missing id, a trashed row or a tombstoned row aborts the batch. The
// merged record is revalidated in full before its single UPDATE.
func (p *Pipeline) UpdateAll(ctx context.Context, sc *system.Context, model string, updates []map[string]any) ([]map[string]any, error) {
	if len(updates) == 0 {
		return nil, errors.ValidationMsg("at least one update is required")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpUpdate); err != nil {
		return nil, err
	}

	ids, err := batchIDs(updates)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		old, err := p.prefetch(ctx, sc, tx, s, ids)
		if err != nil {
			return err
		}

		merged := make([]map[string]any, len(updates))
		changed := make([][]string, len(updates))
		for i, u := range updates {
			if old[i]["trashed_at"] != nil {
				return errors.TrashedRecord(ids[i])
			}
			if !system.CanEditRecord(sc.Principal, old[i]) {
				return errors.Forbidden("no edit access to record " + ids[i])
			}

			m := copyRecord(old[i])
			var keys []string
			for k, v := range u {
				if k == "id" || schema.IsBaseColumn(k) {
					continue
				}
				f := s.Field(k)
				if f == nil {
					return errors.Validation(map[string]string{k: "unknown field"})
				}
				if f.Immutable && !sc.Elevated() {
					return errors.ValidationMsg("field " + k + " is immutable")
				}
				if f.Sudo && !sc.Elevated() {
					return errors.Forbidden("field " + k + " requires the sudo surface")
				}
				m[k] = v
				keys = append(keys, k)
			}
			sort.Strings(keys)
			m["updated_at"] = now
			if err := s.ValidateRecord(m); err != nil {
				return err
			}
			merged[i] = m
			changed[i] = keys
		}

		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpUpdate, Phase: UpdatePre, Records: merged, Previous: old, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		rows := make([]map[string]any, len(merged))
		for i, m := range merged {
			stmt, params := updateSQL(s.TableName(), m, changed[i], now, ids[i])
			res, err := tx.Query(ctx, stmt, params...)
			if err != nil {
				return err
			}
			row := res.First()
			if row == nil {
				return errors.RecordNotFound("record " + ids[i] + " not found")
			}
			if err := decodeRow(sc.DB.Dialect(), s, row); err != nil {
				return err
			}
			rows[i] = row
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpUpdate, Phase: UpdatePost, Records: rows, Previous: old, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpUpdate, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// UpdateOne applies changes to a single record by id. Empty changes
// still bump updated_at.
func (p *Pipeline) UpdateOne(ctx context.Context, sc *system.Context, model, id string, changes map[string]any) (map[string]any, error) {
	u := copyRecord(changes)
	u["id"] = id
	rows, err := p.UpdateAll(ctx, sc, model, []map[string]any{u})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// UpdateAny applies the same changes to every record matching a filter
// document. The select and the updates share one transaction.
func (p *Pipeline) UpdateAny(ctx context.Context, sc *system.Context, model string, doc, changes map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := p.inTx(ctx, sc, func(dbase.Tx) error {
		ids, err := p.matchIDs(ctx, sc, model, doc)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			out = []map[string]any{}
			return nil
		}
		updates := make([]map[string]any, len(ids))
		for i, id := range ids {
			u := copyRecord(changes)
			u["id"] = id
			updates[i] = u
		}
		out, err = p.UpdateAll(ctx, sc, model, updates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update404 is UpdateAny raising RECORD_NOT_FOUND when nothing matches.
func (p *Pipeline) Update404(ctx context.Context, sc *system.Context, model string, doc, changes map[string]any) (map[string]any, error) {
	rows, err := p.UpdateAny(ctx, sc, model, doc, changes)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.RecordNotFound("")
	}
	return rows[0], nil
}

// DeleteIDs soft-deletes records by id: one UPDATE stamps trashed_at
// over the whole batch. An id that is missing, already trashed or
// tombstoned aborts the batch.
func (p *Pipeline) DeleteIDs(ctx context.Context, sc *system.Context, model string, ids []string) ([]map[string]any, error) {
	if err := validateIDs(ids); err != nil {
		return nil, err
	}
	if dup := firstDuplicate(ids); dup != "" {
		return nil, errors.ValidationMsg("duplicate id " + dup + " in batch")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpDelete); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		old, err := p.prefetch(ctx, sc, tx, s, ids)
		if err != nil {
			return err
		}
		for i, o := range old {
			if o["trashed_at"] != nil {
				return errors.AlreadyTrashed("record " + ids[i] + " is already trashed")
			}
			if !system.CanEditRecord(sc.Principal, o) {
				return errors.Forbidden("no edit access to record " + ids[i])
			}
		}

		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpDelete, Phase: DeletePre, Records: old, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		stmt, params := trashSQL(s.TableName(), ids, now)
		res, err := tx.Query(ctx, stmt, params...)
		if err != nil {
			return err
		}
		if res.RowCount < len(ids) {
			return errors.AlreadyTrashed("")
		}
		rows := orderByIDs(res.Rows, ids)
		if err := decodeRows(sc.DB.Dialect(), s, rows); err != nil {
			return err
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpDelete, Phase: DeletePost, Records: rows, Previous: old, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpDelete, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// DeleteAll soft-deletes the records in a payload batch; each entry
// needs only its id.
func (p *Pipeline) DeleteAll(ctx context.Context, sc *system.Context, model string, records []map[string]any) ([]map[string]any, error) {
	if len(records) == 0 {
		return nil, errors.ValidationMsg("at least one record is required")
	}
	ids, err := batchIDs(records)
	if err != nil {
		return nil, err
	}
	return p.DeleteIDs(ctx, sc, model, ids)
}

// DeleteOne soft-deletes a single record by id.
func (p *Pipeline) DeleteOne(ctx context.Context, sc *system.Context, model, id string) (map[string]any, error) {
	rows, err := p.DeleteIDs(ctx, sc, model, []string{id})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// DeleteAny soft-deletes every record matching a filter document.
func (p *Pipeline) DeleteAny(ctx context.Context, sc *system.Context, model string, doc map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := p.inTx(ctx, sc, func(dbase.Tx) error {
		ids, err := p.matchIDs(ctx, sc, model, doc)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			out = []map[string]any{}
			return nil
		}
		out, err = p.DeleteIDs(ctx, sc, model, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeIDs stamps the compliance tombstone on a batch of records,
// removing them from every surface permanently. Active and trashed
// records both qualify; an already tombstoned id fails the batch. The
// operation has no HTTP route: compliance tooling calls it on the sudo
// surface.
func (p *Pipeline) PurgeIDs(ctx context.Context, sc *system.Context, model string, ids []string) ([]map[string]any, error) {
	if !sc.Sudo() {
		return nil, errors.Forbidden("purging records requires the sudo surface")
	}
	if err := validateIDs(ids); err != nil {
		return nil, err
	}
	if dup := firstDuplicate(ids); dup != "" {
		return nil, errors.ValidationMsg("duplicate id " + dup + " in batch")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpPurge); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		old, err := p.prefetch(ctx, sc, tx, s, ids)
		if err != nil {
			return err
		}

		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpPurge, Phase: DeletePre, Records: old, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		stmt, params := purgeSQL(s.TableName(), ids, now)
		res, err := tx.Query(ctx, stmt, params...)
		if err != nil {
			return err
		}
		if res.RowCount < len(ids) {
			return errors.DeletedRecord("")
		}
		rows := orderByIDs(res.Rows, ids)
		if err := decodeRows(sc.DB.Dialect(), s, rows); err != nil {
			return err
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpPurge, Phase: DeletePost, Records: rows, Previous: old, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpPurge, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// PurgeOne tombstones a single record by id.
func (p *Pipeline) PurgeOne(ctx context.Context, sc *system.Context, model, id string) (map[string]any, error) {
	rows, err := p.PurgeIDs(ctx, sc, model, []string{id})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// RevertAll clears trashed_at on a batch of trashed records. Each
// payload must be exactly {id, trashed_at: null} and the request must
// carry the include_trashed option.
func (p *Pipeline) RevertAll(ctx context.Context, sc *system.Context, model string, reverts []map[string]any) ([]map[string]any, error) {
	if !sc.Options.IncludeTrashed {
		return nil, errors.ValidationMsg("revert requires the include_trashed option")
	}
	if len(reverts) == 0 {
		return nil, errors.ValidationMsg("at least one revert is required")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpRevert); err != nil {
		return nil, err
	}

	ids := make([]string, len(reverts))
	for i, r := range reverts {
		for k := range r {
			if k != "id" && k != "trashed_at" {
				return nil, errors.ValidationMsg("a revert may only carry id and trashed_at")
			}
		}
		if v, ok := r["trashed_at"]; !ok || v != nil {
			return nil, errors.ValidationMsg("a revert must set trashed_at to null")
		}
		id, ok := r["id"].(string)
		if !ok {
			return nil, errors.ValidationMsg("every revert must carry an id")
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, errors.ValidationMsg("invalid record id " + strconv.Quote(id))
		}
		ids[i] = id
	}
	if dup := firstDuplicate(ids); dup != "" {
		return nil, errors.ValidationMsg("duplicate id " + dup + " in batch")
	}

	now := time.Now().UTC()
	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		old, err := p.prefetch(ctx, sc, tx, s, ids)
		if err != nil {
			return err
		}
		planned := make([]map[string]any, len(old))
		for i, o := range old {
			if o["trashed_at"] == nil {
				return errors.Conflict("record " + ids[i] + " is not trashed")
			}
			if !system.CanEditRecord(sc.Principal, o) {
				return errors.Forbidden("no edit access to record " + ids[i])
			}
			m := copyRecord(o)
			m["trashed_at"] = nil
			m["updated_at"] = now
			planned[i] = m
		}

		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpRevert, Phase: UpdatePre, Records: planned, Previous: old, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		rows := make([]map[string]any, len(ids))
		for i, id := range ids {
			stmt := "UPDATE " + qi(s.TableName()) +
				` SET "trashed_at" = NULL, "updated_at" = $1` +
				` WHERE "id" = $2 AND "trashed_at" IS NOT NULL AND "deleted_at" IS NULL RETURNING *`
			res, err := tx.Query(ctx, stmt, now, id)
			if err != nil {
				return err
			}
			row := res.First()
			if row == nil {
				return errors.Conflict("record " + id + " is not trashed")
			}
			if err := decodeRow(sc.DB.Dialect(), s, row); err != nil {
				return err
			}
			rows[i] = row
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpRevert, Phase: UpdatePost, Records: rows, Previous: old, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpRevert, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// RevertOne clears trashed_at on a single record.
func (p *Pipeline) RevertOne(ctx context.Context, sc *system.Context, model, id string) (map[string]any, error) {
	rows, err := p.RevertAll(ctx, sc, model, []map[string]any{{"id": id, "trashed_at": nil}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// AccessAll rewrites the ACL lists on a batch of records. Only the
// access_* attributes are applied; anything else in a payload is
// ignored with a warning. Granting requires full standing on the record.
func (p *Pipeline) AccessAll(ctx context.Context, sc *system.Context, model string, grants []map[string]any) ([]map[string]any, error) {
	if len(grants) == 0 {
		return nil, errors.ValidationMsg("at least one grant is required")
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}
	if err := p.guardWrite(sc, s, OpAccess); err != nil {
		return nil, err
	}

	ids := make([]string, len(grants))
	changes := make([]map[string]any, len(grants))
	for i, g := range grants {
		id, ok := g["id"].(string)
		if !ok {
			return nil, errors.ValidationMsg("every grant must carry an id")
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, errors.ValidationMsg("invalid record id " + strconv.Quote(id))
		}
		ids[i] = id

		acl := map[string]any{}
		var ignored []string
		for k, v := range g {
			if k == "id" {
				continue
			}
			if !system.IsACLField(k) {
				ignored = append(ignored, k)
				continue
			}
			list, err := aclList(k, v)
			if err != nil {
				return nil, err
			}
			acl[k] = list
		}
		if len(ignored) > 0 {
			sort.Strings(ignored)
			sc.Logger.Warn().
				Str("model", model).
				Str("record_id", id).
				Strs("ignored", ignored).
				Msg("ignoring non-access attributes in grant")
		}
		if len(acl) == 0 {
			return nil, errors.ValidationMsg("a grant must carry at least one access attribute")
		}
		changes[i] = acl
	}
	if dup := firstDuplicate(ids); dup != "" {
		return nil, errors.ValidationMsg("duplicate id " + dup + " in batch")
	}

	now := time.Now().UTC()
	var out []map[string]any
	err = p.inTx(ctx, sc, func(tx dbase.Tx) error {
		old, err := p.prefetch(ctx, sc, tx, s, ids)
		if err != nil {
			return err
		}
		planned := make([]map[string]any, len(old))
		for i, o := range old {
			if o["trashed_at"] != nil {
				return errors.TrashedRecord(ids[i])
			}
			if !system.CanGrantRecord(sc.Principal, o) {
				return errors.Forbidden("granting access requires full standing on record " + ids[i])
			}
			m := copyRecord(o)
			for k, v := range changes[i] {
				m[k] = v
			}
			m["updated_at"] = now
			planned[i] = m
		}

		pre := &Invocation{System: sc, Schema: s, Model: model, Operation: OpAccess, Phase: UpdatePre, Records: planned, Previous: old, Tx: tx}
		if err := p.run(ctx, pre); err != nil {
			return err
		}

		rows := make([]map[string]any, len(ids))
		for i, id := range ids {
			keys := make([]string, 0, len(changes[i]))
			for k := range changes[i] {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			stmt, params := updateSQL(s.TableName(), planned[i], keys, now, id)
			res, err := tx.Query(ctx, stmt, params...)
			if err != nil {
				return err
			}
			row := res.First()
			if row == nil {
				return errors.RecordNotFound("record " + id + " not found")
			}
			if err := decodeRow(sc.DB.Dialect(), s, row); err != nil {
				return err
			}
			rows[i] = row
		}

		post := &Invocation{System: sc, Schema: s, Model: model, Operation: OpAccess, Phase: UpdatePost, Records: rows, Previous: old, Tx: tx}
		if err := p.run(ctx, post); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.committed(ctx, sc, s, OpAccess, out)
	stripSudoFields(sc, s, out)
	return out, nil
}

// AccessAny applies the same ACL changes to every record matching a
// filter document.
func (p *Pipeline) AccessAny(ctx context.Context, sc *system.Context, model string, doc, changes map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := p.inTx(ctx, sc, func(dbase.Tx) error {
		ids, err := p.matchIDs(ctx, sc, model, doc)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			out = []map[string]any{}
			return nil
		}
		grants := make([]map[string]any, len(ids))
		for i, id := range ids {
			g := copyRecord(changes)
			g["id"] = id
			grants[i] = g
		}
		out, err = p.AccessAll(ctx, sc, model, grants)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Access404 is AccessAny raising RECORD_NOT_FOUND when nothing matches.
func (p *Pipeline) Access404(ctx context.Context, sc *system.Context, model string, doc, changes map[string]any) (map[string]any, error) {
	rows, err := p.AccessAny(ctx, sc, model, doc, changes)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.RecordNotFound("")
	}
	return rows[0], nil
}

// matchIDs resolves a filter document to the ids of the readable
// matches, overriding any caller projection.
func (p *Pipeline) matchIDs(ctx context.Context, sc *system.Context, model string, doc map[string]any) ([]string, error) {
	idDoc := copyRecord(doc)
	idDoc["select"] = []any{"id"}
	rows, err := p.SelectAny(ctx, sc, model, idDoc)
	if err != nil {
		return nil, err
	}
	return recordIDs(rows), nil
}

// prefetch loads the current rows for a batch inside its transaction,
// in id order, decoded. A missing id or a tombstoned row fails the
// batch; trashed handling stays with the caller.
func (p *Pipeline) prefetch(ctx context.Context, sc *system.Context, tx dbase.Tx, s *schema.Schema, ids []string) ([]map[string]any, error) {
	stmt := "SELECT * FROM " + qi(s.TableName()) + ` WHERE "id" IN (` + placeholders(1, len(ids)) + ")"
	res, err := tx.Query(ctx, stmt, anySlice(ids)...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]map[string]any, len(res.Rows))
	for _, row := range res.Rows {
		if id, ok := dbase.AsString(row["id"]); ok {
			byID[id] = row
		}
	}

	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, errors.RecordNotFound("record " + id + " not found")
		}
		if row["deleted_at"] != nil {
			return nil, errors.DeletedRecord(id)
		}
		out[i] = row
	}
	if err := decodeRows(sc.DB.Dialect(), s, out); err != nil {
		return nil, err
	}
	return out, nil
}

// insertSQL renders one multi-row INSERT covering the base columns and
// every field of the schema, absent values binding as NULL.
func insertSQL(s *schema.Schema, rows []map[string]any) (string, []any) {
	cols := schema.BaseColumnNames()
	for _, f := range s.Fields {
		cols = append(cols, f.FieldName)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = qi(c)
	}

	params := make([]any, 0, len(rows)*len(cols))
	groups := make([]string, len(rows))
	n := 1
	for i, rec := range rows {
		ph := make([]string, len(cols))
		for j, c := range cols {
			ph[j] = "$" + strconv.Itoa(n)
			n++
			params = append(params, rec[c])
		}
		groups[i] = "(" + strings.Join(ph, ", ") + ")"
	}

	stmt := "INSERT INTO " + qi(s.TableName()) + " (" + strings.Join(quoted, ", ") + ") VALUES " +
		strings.Join(groups, ", ") + " RETURNING *"
	return stmt, params
}

// updateSQL renders one single-row UPDATE setting updated_at plus the
// changed columns, guarded against concurrent trash or tombstone.
func updateSQL(table string, merged map[string]any, keys []string, now time.Time, id string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("UPDATE " + qi(table) + ` SET "updated_at" = $1`)
	params := []any{now}
	n := 2
	for _, k := range keys {
		sb.WriteString(", " + qi(k) + " = $" + strconv.Itoa(n))
		params = append(params, merged[k])
		n++
	}
	sb.WriteString(` WHERE "id" = $` + strconv.Itoa(n) + ` AND "trashed_at" IS NULL AND "deleted_at" IS NULL RETURNING *`)
	params = append(params, id)
	return sb.String(), params
}

// trashSQL renders the single batch UPDATE that stamps trashed_at.
func trashSQL(table string, ids []string, now time.Time) (string, []any) {
	stmt := "UPDATE " + qi(table) +
		` SET "trashed_at" = $1, "updated_at" = $2 WHERE "id" IN (` + placeholders(3, len(ids)) + `)` +
		` AND "trashed_at" IS NULL AND "deleted_at" IS NULL RETURNING *`
	params := make([]any, 0, len(ids)+2)
	params = append(params, now, now)
	for _, id := range ids {
		params = append(params, id)
	}
	return stmt, params
}

// purgeSQL renders the single batch UPDATE that stamps deleted_at.
func purgeSQL(table string, ids []string, now time.Time) (string, []any) {
	stmt := "UPDATE " + qi(table) +
		` SET "deleted_at" = $1, "updated_at" = $2 WHERE "id" IN (` + placeholders(3, len(ids)) + `)` +
		` AND "deleted_at" IS NULL RETURNING *`
	params := make([]any, 0, len(ids)+2)
	params = append(params, now, now)
	for _, id := range ids {
		params = append(params, id)
	}
	return stmt, params
}

// qi quotes an identifier. Names reaching SQL assembly have passed the
// model and field name gates at definition time.
func qi(name string) string {
	return `"` + name + `"`
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func copyRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// batchIDs pulls and validates the id of every payload in a batch.
func batchIDs(batch []map[string]any) ([]string, error) {
	ids := make([]string, len(batch))
	for i, rec := range batch {
		id, ok := rec["id"].(string)
		if !ok {
			return nil, errors.ValidationMsg("every record in the batch must carry an id")
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, errors.ValidationMsg("invalid record id " + strconv.Quote(id))
		}
		ids[i] = id
	}
	if dup := firstDuplicate(ids); dup != "" {
		return nil, errors.ValidationMsg("duplicate id " + dup + " in batch")
	}
	return ids, nil
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}

// orderByIDs arranges returned rows into request order.
func orderByIDs(rows []map[string]any, ids []string) []map[string]any {
	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if id, ok := dbase.AsString(row["id"]); ok {
			byID[id] = row
		}
	}
	out := make([]map[string]any, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, row)
		}
	}
	return out
}
