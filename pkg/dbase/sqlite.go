package dbase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// SQLiteAdapter keeps one database file per namespace under the file store
// root. Handles are opened lazily and cached for the process lifetime.
type SQLiteAdapter struct {
	root string
	log  *logger.Logger

	mu        sync.RWMutex
	pools     map[string]*sqlx.DB
	connected bool
}

// NewSQLiteAdapter creates an adapter for the file-per-tenant layout.
func NewSQLiteAdapter(cfg *config.FileStoreConfig, log *logger.Logger) *SQLiteAdapter {
	return &SQLiteAdapter{
		root:  cfg.Root,
		log:   log.WithComponent("dbase.sqlite"),
		pools: make(map[string]*sqlx.DB),
	}
}

func (a *SQLiteAdapter) Connect(ctx context.Context) error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("failed to create file store root: %w", err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *SQLiteAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for name, db := range a.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.pools, name)
	}
	a.connected = false
	return firstErr
}

func (a *SQLiteAdapter) Dialect() Dialect {
	return sqliteDialect{}
}

// Health returns the health status of the file store.
func (a *SQLiteAdapter) Health(ctx context.Context) map[string]string {
	a.mu.RLock()
	connected := a.connected
	open := len(a.pools)
	a.mu.RUnlock()

	status := map[string]string{
		"status": "up",
		"driver": "sqlite",
		"open":   fmt.Sprintf("%d", open),
	}
	if !connected {
		status["status"] = "down"
		status["error"] = ErrNotConnected.Error()
	}
	return status
}

func (a *SQLiteAdapter) path(name string) string {
	return filepath.Join(a.root, name+".db")
}

func (a *SQLiteAdapter) dsn(name string) string {
	return "file:" + a.path(name) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
}

// open returns the cached pool for a namespace, opening the file on first
// use.
func (a *SQLiteAdapter) open(name string) (*sqlx.DB, error) {
	a.mu.RLock()
	if !a.connected {
		a.mu.RUnlock()
		return nil, ErrNotConnected
	}
	if db, ok := a.pools[name]; ok {
		a.mu.RUnlock()
		return db, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.pools[name]; ok {
		return db, nil
	}

	db, err := sqlx.Open("sqlite3", a.dsn(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %q: %w", name, err)
	}
	a.pools[name] = db
	return db, nil
}

func (a *SQLiteAdapter) Namespace(name string) (DB, error) {
	if !ValidIdentifier(name) {
		return nil, fmt.Errorf("invalid namespace %q", name)
	}
	db, err := a.open(name)
	if err != nil {
		return nil, err
	}
	return &sqliteDB{db: db, name: name}, nil
}

func (a *SQLiteAdapter) CreateNamespace(ctx context.Context, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid namespace %q", name)
	}
	db, err := a.open(name)
	if err != nil {
		return err
	}
	// Opening is lazy; ping forces the file into existence.
	return MapDriverError(ctx, db.PingContext(ctx))
}

func (a *SQLiteAdapter) DropNamespace(ctx context.Context, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("invalid namespace %q", name)
	}

	a.mu.Lock()
	if db, ok := a.pools[name]; ok {
		db.Close()
		delete(a.pools, name)
	}
	a.mu.Unlock()

	path := a.path(name)
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

type sqliteDB struct {
	db   *sqlx.DB
	name string
}

func (d *sqliteDB) Name() string {
	return d.name
}

func (d *sqliteDB) Dialect() Dialect {
	return sqliteDialect{}
}

func (d *sqliteDB) Raw() *sqlx.DB {
	return d.db
}

func (d *sqliteDB) Query(ctx context.Context, query string, params ...any) (*Result, error) {
	bound, err := sqliteParams(params)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryxContext(ctx, rebindSQLite(query), bound...)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	res, err := scanAll(rows)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	return res, nil
}

func (d *sqliteDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (d *sqliteDB) Transaction(ctx context.Context, fn func(Tx) error) error {
	return runInTransaction(ctx, d, fn)
}

type sqliteTx struct {
	tx *sqlx.Tx
}

func (t *sqliteTx) Query(ctx context.Context, query string, params ...any) (*Result, error) {
	bound, err := sqliteParams(params)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryxContext(ctx, rebindSQLite(query), bound...)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	res, err := scanAll(rows)
	if err != nil {
		return nil, MapDriverError(ctx, err)
	}
	return res, nil
}

func (t *sqliteTx) Exec(ctx context.Context, query string) error {
	_, err := t.tx.ExecContext(ctx, query)
	return MapDriverError(ctx, err)
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// rebindSQLite converts $n placeholders to SQLite's ?n form. Single-quoted
// literals are left untouched; identifiers cannot contain '$' because they
// pass the identifier gate before assembly.
func rebindSQLite(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '$' && !inQuote && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9':
			b.WriteByte('?')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// sqliteParams JSON-encodes slice and map parameters; the file driver has
// no native array or jsonb binding.
func sqliteParams(params []any) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		switch p.(type) {
		case []string, []int, []int64, []float64, []any, map[string]any:
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
