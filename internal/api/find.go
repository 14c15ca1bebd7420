package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
)

// find handles POST /api/find/{model}: execute an ad-hoc filter
// document. An empty body matches everything.
func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	doc, err := decodeOptionalObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	out, err := s.pipeline.SelectAny(r.Context(), sc, model, doc)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// aggregate handles POST /api/aggregate/{model}. The body carries
// aggregations, optional group_by and any filter document keys.
func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	doc, err := decodeObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	aggs, ok := doc["aggregations"].(map[string]any)
	if !ok || len(aggs) == 0 {
		httputil.Error(w, errors.ValidationMsg("aggregations must be a non-empty object"))
		return
	}
	delete(doc, "aggregations")

	var groupBy []string
	if raw, ok := doc["group_by"]; ok {
		items, ok := raw.([]any)
		if !ok {
			httputil.Error(w, errors.ValidationMsg("group_by must be an array of column names"))
			return
		}
		for _, item := range items {
			col, ok := item.(string)
			if !ok {
				httputil.Error(w, errors.ValidationMsg("group_by must be an array of column names"))
				return
			}
			groupBy = append(groupBy, col)
		}
		delete(doc, "group_by")
	}

	out, err := s.pipeline.AggregateAny(r.Context(), sc, model, doc, aggs, groupBy)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// listFilters handles GET /api/filter.
func (s *Server) listFilters(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)

	out, err := s.pipeline.SelectAny(r.Context(), sc, "filters", map[string]any{})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// runFilter handles POST /api/filter/{name}: execute a saved filter
// against its model. Body keys override the stored document.
func (s *Server) runFilter(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	name := chi.URLParam(r, "name")

	overrides, err := decodeOptionalObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	row, err := s.filterRow(r, sc, name)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	model, _ := dbase.AsString(row["model_name"])
	doc := map[string]any{}
	for _, key := range []string{"select", "where", "order", "limit", "offset"} {
		if v := row[key]; v != nil {
			doc[key] = v
		}
	}
	for key, v := range overrides {
		doc[key] = v
	}

	out, err := s.pipeline.SelectAny(r.Context(), sc, model, doc)
	if err != nil {
		// The filter outlived its model: the stored document points at a
		// schema that no longer resolves.
		if errors.Code(err) == "MODEL_NOT_FOUND" {
			err = errors.SchemaNotFound(model)
		}
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// saveFilter handles PUT /api/filter/{name}: create or replace a saved
// filter. Filters live in a system model, so the write is elevated; the
// filter observer validates the document against its target model.
func (s *Server) saveFilter(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	name := chi.URLParam(r, "name")

	rec, err := decodeObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	rec["name"] = name

	existing, err := s.pipeline.SelectOne(r.Context(), sc, "filters",
		map[string]any{"where": map[string]any{"name": name}})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	elevate(sc)
	if existing != nil {
		id, _ := dbase.AsString(existing["id"])
		out, err := s.pipeline.UpdateOne(r.Context(), sc, "filters", id, rec)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		s.respond(w, r, http.StatusOK, out)
		return
	}

	out, err := s.pipeline.CreateOne(r.Context(), sc, "filters", rec)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusCreated, out)
}

// deleteFilter handles DELETE /api/filter/{name}.
func (s *Server) deleteFilter(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	name := chi.URLParam(r, "name")

	row, err := s.filterRow(r, sc, name)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	id, _ := dbase.AsString(row["id"])

	elevate(sc)
	out, err := s.pipeline.DeleteOne(r.Context(), sc, "filters", id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

func (s *Server) filterRow(r *http.Request, sc *system.Context, name string) (map[string]any, error) {
	row, err := s.pipeline.SelectOne(r.Context(), sc, "filters",
		map[string]any{"where": map[string]any{"name": name}})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.RecordNotFound("filter " + name + " not found")
	}
	return row, nil
}
