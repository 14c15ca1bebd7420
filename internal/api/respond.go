package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stratumhq/stratum-backend/internal/system"
	"github.com/stratumhq/stratum-backend/pkg/errors"
	"github.com/stratumhq/stratum-backend/pkg/httputil"
)

// statColumns are stripped from responses when stat=false.
var statColumns = []string{"created_at", "updated_at", "trashed_at", "deleted_at"}

// respond shapes record payloads per the request options and writes the
// envelope. Shaping order: stat/access filters first, pick last.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if sc := fromRequest(r); sc != nil {
		data = shape(sc.Options, data)
	}
	httputil.JSON(w, status, data)
}

func shape(opts system.Options, data any) any {
	switch v := data.(type) {
	case []map[string]any:
		for _, row := range v {
			shapeRow(opts, row)
		}
	case map[string]any:
		shapeRow(opts, v)
	}
	return data
}

func shapeRow(opts system.Options, row map[string]any) {
	if !opts.Stat {
		for _, col := range statColumns {
			delete(row, col)
		}
	}
	if !opts.Access {
		for _, col := range system.ACLFields {
			delete(row, col)
		}
	}
	if len(opts.Pick) > 0 {
		keep := make(map[string]bool, len(opts.Pick))
		for _, attr := range opts.Pick {
			keep[attr] = true
		}
		for key := range row {
			if !keep[key] {
				delete(row, key)
			}
		}
	}
}

// decodeObject reads the body as a single JSON object.
func decodeObject(r *http.Request) (map[string]any, error) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, errors.InvalidBody("body must be a JSON object")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeOptionalObject is decodeObject for endpoints where an empty body
// means "no document".
func decodeOptionalObject(r *http.Request) (map[string]any, error) {
	var doc map[string]any
	err := json.NewDecoder(r.Body).Decode(&doc)
	if err == io.EOF {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.InvalidBody("body must be a JSON object")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeRecords reads the body as an array of records. Anything else is
// INVALID_BODY; batch semantics only accept arrays.
func decodeRecords(r *http.Request) ([]map[string]any, error) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.InvalidBody("invalid JSON body")
	}
	items, ok := body.([]any)
	if !ok {
		return nil, errors.InvalidBody("body must be an array of records")
	}
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, errors.InvalidBody("every record must be a JSON object")
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeIDs reads the body as an array of id strings.
func decodeIDs(r *http.Request) ([]string, error) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.InvalidBody("invalid JSON body")
	}
	items, ok := body.([]any)
	if !ok {
		return nil, errors.InvalidBody("body must be an array of record ids")
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok {
			return nil, errors.InvalidBody("every id must be a string")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
