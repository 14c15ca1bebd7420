package dbase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// PostgresAdapter serves every namespace from one shared server, one schema
// per namespace. Scoping happens with SET LOCAL search_path inside each
// transaction, so pooled connections never leak a namespace between
// requests.
type PostgresAdapter struct {
	cfg *config.DatabaseConfig
	log *logger.Logger
	db  *sqlx.DB
}

// NewPostgresAdapter creates an adapter for the shared-server layout.
func NewPostgresAdapter(cfg *config.DatabaseConfig, log *logger.Logger) *PostgresAdapter {
	return &PostgresAdapter{
		cfg: cfg,
		log: log.WithComponent("dbase.postgres"),
	}
}

// NewPostgresAdapterFromDB wraps an existing pool. Used by tests.
func NewPostgresAdapterFromDB(db *sqlx.DB, log *logger.Logger) *PostgresAdapter {
	return &PostgresAdapter{
		db:  db,
		log: log.WithComponent("dbase.postgres"),
	}
}

func (a *PostgresAdapter) Connect(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", a.cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(a.cfg.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.ConnMaxLifetime)

	a.db = db
	return nil
}

func (a *PostgresAdapter) Disconnect() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *PostgresAdapter) Dialect() Dialect {
	return postgresDialect{}
}

// Health returns the health status of the backing server.
func (a *PostgresAdapter) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"status": "up",
		"driver": "postgres",
	}

	if a.db == nil {
		status["status"] = "down"
		status["error"] = ErrNotConnected.Error()
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}

	return status
}

func (a *PostgresAdapter) Namespace(name string) (DB, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	if !ValidIdentifier(name) {
		return nil, fmt.Errorf("invalid namespace %q", name)
	}
	return &postgresDB{adapter: a, name: name}, nil
}

func (a *PostgresAdapter) CreateNamespace(ctx context.Context, name string) error {
	if a.db == nil {
		return ErrNotConnected
	}
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid namespace %q", name)
	}
	_, err := a.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(name))
	return MapDriverError(ctx, err)
}

func (a *PostgresAdapter) DropNamespace(ctx context.Context, name string) error {
	if a.db == nil {
		return ErrNotConnected
	}
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid namespace %q", name)
	}
	_, err := a.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(name)+" CASCADE")
	return MapDriverError(ctx, err)
}

type postgresDB struct {
	adapter *PostgresAdapter
	name    string
}

func (d *postgresDB) Name() string {
	return d.name
}

func (d *postgresDB) Dialect() Dialect {
	return postgresDialect{}
}

func (d *postgresDB) Raw() *sqlx.DB {
	return d.adapter.db
}

// Query runs a one-off statement. It still needs namespace scoping, so it
// runs inside a short transaction.
func (d *postgresDB) Query(ctx context.Context, query string, params ...any) (*Result, error) {
	var res *Result
	err := d.Transaction(ctx, func(tx Tx) error {
		r, err := tx.Query(ctx, query, params...)
		res = r
		return err
	})
	return res, err
}

func (d *postgresDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.adapter.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}

	// Scope the whole transaction to the namespace. SET LOCAL does not
	// accept bind parameters; the name is identifier-validated.
	scope := fmt.Sprintf("SET LOCAL search_path TO %s, public", pq.QuoteIdentifier(d.name))
	if _, err := tx.ExecContext(ctx, scope); err != nil {
		tx.Rollback()
		return nil, MapDriverError(ctx, err)
	}

	return &postgresTx{tx: tx}, nil
}

func (d *postgresDB) Transaction(ctx context.Context, fn func(Tx) error) error {
	return runInTransaction(ctx, d, fn)
}

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) Query(ctx context.Context, query string, params ...any) (*Result, error) {
	bound, err := pgParams(params)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryxContext(ctx, query, bound...)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	res, err := scanAll(rows)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	return res, nil
}

func (t *postgresTx) Exec(ctx context.Context, query string) error {
	_, err := t.tx.ExecContext(ctx, query)
	return MapDriverError(ctx, err)
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}

// pgParams wraps slice parameters for array columns and JSON-encodes maps
// for jsonb columns. []byte passes through untouched (bytea).
func pgParams(params []any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		switch p.(type) {
		case []string, []int, []int64, []float64, []any:
			out[i] = pq.Array(p)
		case map[string]any:
			b, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("failed to encode parameter %d: %w", i+1, err)
			}
			out[i] = string(b)
		default:
			out[i] = p
		}
	}
	return out, nil
}
