// Package dbase is the shared data-access adapter. It is the only package
// that knows driver specifics: placeholder style, namespace provisioning,
// DDL type names and driver error codes. Everything above it speaks
// parameterised SQL with $n placeholders and receives rows as maps.
package dbase

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Result is the uniform shape rows come back in.
type Result struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// First returns the first row, or nil when the result is empty.
func (r *Result) First() map[string]any {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Adapter is the entry point to a backing store. One adapter serves the
// infrastructure namespace and every tenant namespace.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Namespace returns a handle scoped to one namespace. The handle
	// borrows the adapter's pool; it is cheap to create per request.
	Namespace(name string) (DB, error)

	CreateNamespace(ctx context.Context, name string) error
	DropNamespace(ctx context.Context, name string) error

	Dialect() Dialect
	Health(ctx context.Context) map[string]string
}

// DB is a query surface scoped to a single namespace.
type DB interface {
	// Name returns the namespace this handle is scoped to.
	Name() string

	Dialect() Dialect

	Query(ctx context.Context, query string, params ...any) (*Result, error)

	Begin(ctx context.Context) (Tx, error)

	// Transaction runs fn inside one transaction, rolling back on error
	// or panic.
	Transaction(ctx context.Context, fn func(Tx) error) error

	// Raw exposes the pool for seed scripts that must exec
	// multi-statement SQL. Callers scope the session themselves.
	Raw() *sqlx.DB
}

// Tx is an open transaction scoped to a namespace.
type Tx interface {
	Query(ctx context.Context, query string, params ...any) (*Result, error)

	// Exec runs parameterless SQL, allowing multiple statements
	// (seed scripts, DDL).
	Exec(ctx context.Context, query string) error

	Commit() error
	Rollback() error
}

// ErrNotConnected is returned when a handle is used before Connect.
var ErrNotConnected = errors.New("dbase: adapter is not connected")

// scanAll drains rows into a Result, converting []byte cells to string so
// callers see JSON-friendly values regardless of driver.
func scanAll(rows *sqlx.Rows) (*Result, error) {
	defer rows.Close()

	out := &Result{Rows: []map[string]any{}}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// runInTransaction is the shared Transaction implementation: fn either
// commits by returning nil or rolls everything back.
func runInTransaction(ctx context.Context, db DB, fn func(Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
