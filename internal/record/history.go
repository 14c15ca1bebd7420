package record

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum-backend/internal/schema"
	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// History lives in the tracked table: one append-only row per change,
// numbered per tenant by change_id. Creates, deletes, purges and
// reverts are always recorded; updates and access changes only when
// something tracked actually changed.

type historyEntry struct {
	recordID string
	changes  map[string]any
}

// recordHistory is the wildcard post-observer feeding the tracked
// table. Field diffs are restricted to fields flagged tracked; access
// changes diff the ACL columns instead.
func (p *Pipeline) recordHistory(ctx context.Context, inv *Invocation) error {
	if inv.Model == "tracked" {
		return nil
	}

	tracked := inv.Schema.TrackedFields()
	var entries []historyEntry
	for i, rec := range inv.Records {
		id, _ := dbase.AsString(rec["id"])
		changes := map[string]any{}

		switch inv.Operation {
		case OpCreate:
			for _, f := range tracked {
				if v := rec[f]; v != nil {
					changes[f] = map[string]any{"old": nil, "new": v}
				}
			}
		case OpUpdate:
			prev := inv.Previous[i]
			for _, f := range tracked {
				if !equalValue(prev[f], rec[f]) {
					changes[f] = map[string]any{"old": prev[f], "new": rec[f]}
				}
			}
			if len(changes) == 0 {
				continue
			}
		case OpAccess:
			prev := inv.Previous[i]
			for _, f := range system.ACLFields {
				if !equalValue(prev[f], rec[f]) {
					changes[f] = map[string]any{"old": prev[f], "new": rec[f]}
				}
			}
			if len(changes) == 0 {
				continue
			}
		case OpDelete, OpPurge, OpRevert:
			// The operation itself is the event; there is no field diff.
		}

		entries = append(entries, historyEntry{recordID: id, changes: changes})
	}
	if len(entries) == 0 {
		return nil
	}
	return p.insertChanges(ctx, inv, entries)
}

func (p *Pipeline) insertChanges(ctx context.Context, inv *Invocation, entries []historyEntry) error {
	sc := inv.System
	now := time.Now().UTC()

	var metadata any
	if sc.RequestID != "" {
		metadata = map[string]any{"request_id": sc.RequestID}
	}

	// Postgres numbers changes with the bigserial; the file driver has
	// no serial type, so the next number is computed inside the batch
	// transaction.
	nextID := int64(0)
	onSQLite := sc.DB.Dialect().Name() == "sqlite"
	if onSQLite {
		res, err := inv.Tx.Query(ctx, `SELECT COALESCE(MAX("change_id"), 0) + 1 AS "next" FROM "tracked"`)
		if err != nil {
			return err
		}
		nextID, _ = dbase.AsInt64(res.First()["next"])
	}

	for _, e := range entries {
		cols := []string{"id", "model_name", "record_id", "operation", "changes", "created_by", "metadata", "created_at", "updated_at", "access_read", "access_edit", "access_full", "access_deny"}
		params := []any{
			uuid.New().String(), inv.Model, e.recordID, inv.Operation, e.changes,
			sc.Principal.ID.String(), metadata, now, now,
			[]string{}, []string{}, []string{}, []string{},
		}
		if onSQLite {
			cols = append(cols, "change_id")
			params = append(params, nextID)
			nextID++
		}

		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = qi(c)
		}
		stmt := `INSERT INTO "tracked" (` + strings.Join(quoted, ", ") + `) VALUES (` + placeholders(1, len(cols)) + `)`
		if _, err := inv.Tx.Query(ctx, stmt, params...); err != nil {
			return err
		}
	}
	return nil
}

// ListChanges returns the history of one record, newest first. Diffs of
// sudo-flagged fields are hidden below the elevated surface.
func (p *Pipeline) ListChanges(ctx context.Context, sc *system.Context, model, recordID string) ([]map[string]any, error) {
	if err := p.guardRead(sc); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(recordID); err != nil {
		return nil, errors.ValidationMsg("invalid record id " + strconv.Quote(recordID))
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}

	res, err := sc.Querier().Query(ctx,
		`SELECT * FROM "tracked" WHERE "model_name" = $1 AND "record_id" = $2 AND "deleted_at" IS NULL ORDER BY "change_id" DESC`,
		model, recordID)
	if err != nil {
		return nil, err
	}
	return p.presentChanges(sc, s, res.Rows)
}

// GetChange returns one history row by its change number.
func (p *Pipeline) GetChange(ctx context.Context, sc *system.Context, model, recordID string, changeID int64) (map[string]any, error) {
	if err := p.guardRead(sc); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(recordID); err != nil {
		return nil, errors.ValidationMsg("invalid record id " + strconv.Quote(recordID))
	}
	s, err := p.registry.ToSchema(ctx, sc, model)
	if err != nil {
		return nil, err
	}

	res, err := sc.Querier().Query(ctx,
		`SELECT * FROM "tracked" WHERE "model_name" = $1 AND "record_id" = $2 AND "change_id" = $3 AND "deleted_at" IS NULL`,
		model, recordID, changeID)
	if err != nil {
		return nil, err
	}
	if res.First() == nil {
		return nil, errors.RecordNotFound("change " + strconv.FormatInt(changeID, 10) + " not found")
	}
	rows, err := p.presentChanges(sc, s, res.Rows)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// presentChanges shapes tracked rows for the wire: the jsonb cells are
// decoded and sudo-flagged field diffs removed for non-elevated callers.
func (p *Pipeline) presentChanges(sc *system.Context, s *schema.Schema, rows []map[string]any) ([]map[string]any, error) {
	d := sc.DB.Dialect()

	var hidden map[string]bool
	if !sc.Elevated() {
		hidden = map[string]bool{}
		for _, f := range s.Fields {
			if f.Sudo {
				hidden[f.FieldName] = true
			}
		}
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		change := map[string]any{
			"model_name": row["model_name"],
			"operation":  row["operation"],
			"created_at": row["created_at"],
		}
		if id, ok := dbase.AsInt64(row["change_id"]); ok {
			change["change_id"] = id
		}
		if v, ok := dbase.AsString(row["record_id"]); ok {
			change["record_id"] = v
		}
		if v, ok := dbase.AsString(row["created_by"]); ok {
			change["created_by"] = v
		}

		if row["changes"] != nil {
			decoded, err := d.DecodeJSON(row["changes"])
			if err != nil {
				return nil, errors.Wrap(err, "INTERNAL_ERROR", "failed to decode change set", 500)
			}
			if m, ok := decoded.(map[string]any); ok && len(hidden) > 0 {
				for name := range m {
					if hidden[name] {
						delete(m, name)
					}
				}
				decoded = m
			}
			change["changes"] = decoded
		}
		if row["metadata"] != nil {
			decoded, err := d.DecodeJSON(row["metadata"])
			if err != nil {
				return nil, errors.Wrap(err, "INTERNAL_ERROR", "failed to decode change metadata", 500)
			}
			change["metadata"] = decoded
		}
		out = append(out, change)
	}
	return out, nil
}

// equalValue compares decoded cell values; times compare by instant.
func equalValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}
