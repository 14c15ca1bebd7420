package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
)

// listHistory handles GET /api/history/{model}/{id}: the record's audit
// trail, newest first.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	out, err := s.pipeline.ListChanges(r.Context(), sc, model, id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}

// getHistoryEntry handles GET /api/history/{model}/{id}/{change}.
func (s *Server) getHistoryEntry(w http.ResponseWriter, r *http.Request) {
	sc := fromRequest(r)
	model := chi.URLParam(r, "model")
	id := chi.URLParam(r, "id")

	changeID, err := strconv.ParseInt(chi.URLParam(r, "change"), 10, 64)
	if err != nil {
		httputil.Error(w, errors.ValidationMsg("change id must be an integer"))
		return
	}

	out, err := s.pipeline.GetChange(r.Context(), sc, model, id, changeID)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	s.respond(w, r, http.StatusOK, out)
}
