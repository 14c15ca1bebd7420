package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/dbase"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
)

// The describe surface administers model and field metadata. Writes go
// through the pipeline elevated: metadata lives in system models, and
// the schema observers gate callers below schema rights.

func elevate(sc *system.Context) {
	sc.Options.Elevated = true
}

// listModels handles GET /api/describe.
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)

	out, err := s.pipeline.SelectAny(r.Context(), sc, "models", map[string]any{})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// createModel handles POST /api/describe/{model}. The path names the
// model; a model_name in the body is overridden.
func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	rec, err := decodeOptionalObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	rec["model_name"] = model

	elevate(sc)
	out, err := s.pipeline.CreateOne(r.Context(), sc, "models", rec)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusCreated, out)
}

// getModel handles GET /api/describe/{model}: the metadata row, fields
// excluded.
func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	row, err := s.modelRow(r, sc, model)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, row)
}

// updateModel handles PUT /api/describe/{model}.
func (s *Server) updateModel(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	changes, err := decodeObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	row, err := s.modelRow(r, sc, model)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	id, _ := dbase.AsString(row["id"])

	elevate(sc)
	out, err := s.pipeline.UpdateOne(r.Context(), sc, "models", id, changes)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// deleteModel handles DELETE /api/describe/{model}: soft-deletes the
// metadata and drops the backing table.
func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	row, err := s.modelRow(r, sc, model)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	id, _ := dbase.AsString(row["id"])

	elevate(sc)
	out, err := s.pipeline.DeleteOne(r.Context(), sc, "models", id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// createField handles POST /api/describe/{model}/{field}. Path segments
// override model_name and field_name in the body.
func (s *Server) createField(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	field := chi.URLParam(r, "field")

	rec, err := decodeOptionalObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	rec["model_name"] = model
	rec["field_name"] = field

	elevate(sc)
	out, err := s.pipeline.CreateOne(r.Context(), sc, "fields", rec)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusCreated, out)
}

// getField handles GET /api/describe/{model}/{field}.
func (s *Server) getField(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	field := chi.URLParam(r, "field")

	row, err := s.fieldRow(r, sc, model, field)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, row)
}

// updateField handles PUT /api/describe/{model}/{field}.
func (s *Server) updateField(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	field := chi.URLParam(r, "field")

	changes, err := decodeObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	row, err := s.fieldRow(r, sc, model, field)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	id, _ := dbase.AsString(row["id"])

	elevate(sc)
	out, err := s.pipeline.UpdateOne(r.Context(), sc, "fields", id, changes)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// deleteField handles DELETE /api/describe/{model}/{field}: soft-deletes
// the metadata and drops the column.
func (s *Server) deleteField(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	field := chi.URLParam(r, "field")

	row, err := s.fieldRow(r, sc, model, field)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	id, _ := dbase.AsString(row["id"])

	elevate(sc)
	out, err := s.pipeline.DeleteOne(r.Context(), sc, "fields", id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

func (s *Server) modelRow(r *http.Request, sc *system.Context, model string) (map[string]any, error) {
	row, err := s.pipeline.SelectOne(r.Context(), sc, "models",
		map[string]any{"where": map[string]any{"model_name": model}})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.ModelNotFound(model)
	}
	return row, nil
}

func (s *Server) fieldRow(r *http.Request, sc *system.Context, model, field string) (map[string]any, error) {
	row, err := s.pipeline.SelectOne(r.Context(), sc, "fields",
		map[string]any{"where": map[string]any{"model_name": model, "field_name": field}})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.FieldNotFound(model, field)
	}
	return row, nil
}
