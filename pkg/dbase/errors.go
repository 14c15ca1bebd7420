package dbase

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/lib/pq"
	"github.com/stratumhq/stratum-backend/pkg/errors"
)

// MapDriverError converts driver-level failures into stable AppErrors:
// deadline expiry becomes TIMEOUT, constraint violations become
// validation/conflict errors, missing tables and columns become
// SCHEMA_NOT_FOUND / COLUMN_NOT_FOUND. Unrecognised errors are returned
// unchanged so callers can surface them as INTERNAL_ERROR.
func MapDriverError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("")
	}
	if ctx != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.Timeout("")
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return mapPostgresError(pqErr)
	}

	return mapSQLiteError(err)
}

func mapPostgresError(pqErr *pq.Error) error {
	switch pqErr.Code {
	// unique_violation
	case "23505":
		return errors.Conflict("a record with these values already exists")

	// foreign_key_violation
	case "23503":
		return errors.ValidationMsg("referenced record does not exist")

	// not_null_violation
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{col: "must not be empty"})

	// check_violation
	case "23514":
		return errors.ValidationMsg("data validation failed: " + pqErr.Constraint)

	// undefined_table
	case "42P01":
		return errors.New("SCHEMA_NOT_FOUND", pqErr.Message, http.StatusNotFound)

	// undefined_column
	case "42703":
		return errors.New("COLUMN_NOT_FOUND", pqErr.Message, http.StatusBadRequest)

	// query_canceled (statement_timeout)
	case "57014":
		return errors.Timeout("")

	default:
		return pqErr
	}
}

func mapSQLiteError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errors.Conflict("a record with these values already exists")

	case strings.Contains(msg, "NOT NULL constraint failed"):
		return errors.Validation(map[string]string{
			strings.TrimSpace(msg[strings.LastIndex(msg, ":")+1:]): "must not be empty",
		})

	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errors.ValidationMsg("referenced record does not exist")

	case strings.Contains(msg, "no such table"):
		return errors.New("SCHEMA_NOT_FOUND", msg, http.StatusNotFound)

	case strings.Contains(msg, "no such column"):
		return errors.New("COLUMN_NOT_FOUND", msg, http.StatusBadRequest)

	default:
		return err
	}
}
