package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
)

// createRecords handles POST /api/data/{model}: batch create, all or
// nothing.
func (s *Server) createRecords(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	records, err := decodeRecords(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	out, err := s.pipeline.CreateAll(r.Context(), sc, model, records)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusCreated, out)
}

// listRecords handles GET /api/data/{model}.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	out, err := s.pipeline.SelectAny(r.Context(), sc, model, map[string]any{})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// getRecord handles GET /api/data/{model}/{id}. Soft-delete visibility
// follows the trashed query parameter.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	rows, err := s.pipeline.SelectIDs(r.Context(), sc, model, []string{id})
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if len(rows) == 0 {
		httputil.Error(w, errors.RecordNotFound("record "+id+" not found"))
		return
	}
	s.respond(w, r, http.StatusOK, rows[0])
}

// updateRecord handles PUT and PATCH /api/data/{model}/{id}. A body of
// exactly {"trashed_at": null} combined with include_trashed=true reverts
// the record instead of updating it.
func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	changes, err := decodeObject(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if isRevertPayload(changes) && sc.Options.IncludeTrashed {
		out, err := s.pipeline.RevertOne(r.Context(), sc, model, id)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		s.respond(w, r, http.StatusOK, out)
		return
	}

	out, err := s.pipeline.UpdateOne(r.Context(), sc, model, id, changes)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

func isRevertPayload(changes map[string]any) bool {
	if len(changes) != 1 {
		return false
	}
	v, ok := changes["trashed_at"]
	return ok && v == nil
}

// deleteRecord handles DELETE /api/data/{model}/{id}: soft delete.
func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	out, err := s.pipeline.DeleteOne(r.Context(), sc, model, id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// deleteRecords handles DELETE /api/data/{model}: batch soft delete by a
// body of ids.
func (s *Server) deleteRecords(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")

	ids, err := decodeIDs(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	out, err := s.pipeline.DeleteIDs(r.Context(), sc, model, ids)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}
