// Package relational persists the ledger on PostgreSQL or SQLite through
// database/sql. One Store serves every surface the core engines need: the
// posting and approval transaction interfaces, the fee matrix reads, the
// chain verifier reads, the outbox drain, and the directory lookups the API
// layer resolves parties with.
//
// Both backends run the same statements; queries are written with `?`
// placeholders and rebound to $n for PostgreSQL. Serialization failures,
// deadlock victims and locked SQLite files surface as posting.ErrStale so
// the engine retry loops treat every backend uniformly.
package relational

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
)

// Store is a SQL-backed implementation of the persistence surfaces.
type Store struct {
	db  *sql.DB
	cfg *Config
	log *zap.Logger
}

var (
	_ posting.Store  = (*Store)(nil)
	_ fees.Store     = (*Store)(nil)
	_ chain.Reader   = (*Store)(nil)
	_ events.Outbox  = (*Store)(nil)
	_ approval.Store = approvalStore{}
	_ posting.Tx     = (*sqlTx)(nil)
	_ approval.Tx    = (*sqlTx)(nil)
)

// Open validates the configuration, connects, configures the pool and
// initializes the schema.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("open", "invalid configuration", err)
	}

	connStr, err := cfg.BuildConnectionString()
	if err != nil {
		return nil, NewConfigurationError("open", "failed to build connection string", err)
	}

	db, err := sql.Open(cfg.Driver, connStr)
	if err != nil {
		return nil, NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, NewConnectionError("open", "failed to ping database", err)
	}

	s := &Store{db: db, cfg: cfg, log: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("relational store open",
		zap.String("driver", cfg.Driver),
		zap.String("database", cfg.Database))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrDatabaseClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.cfg.Driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return NewSchemaError("init_schema", "failed to execute schema statement", err)
		}
	}
	return nil
}

// RunAtomic implements posting.Store.
func (s *Store) RunAtomic(ctx context.Context, fn func(tx posting.Tx) error) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{s: s, tx: tx})
	})
}

// Approvals exposes the same database as an approval.Store. Both views run
// over one schema, so an approval decision and the rows it touches commit
// in one transaction.
func (s *Store) Approvals() approval.Store { return approvalStore{s} }

type approvalStore struct{ s *Store }

func (as approvalStore) RunAtomic(ctx context.Context, fn func(tx approval.Tx) error) error {
	return as.s.transact(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{s: as.s, tx: tx})
	})
}

// transact brackets fn in one transaction: commit on nil, rollback on
// error. PostgreSQL runs serializable; SQLite is serializable by
// construction and rejects explicit isolation requests.
func (s *Store) transact(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.db == nil {
		return ErrDatabaseClosed
	}

	opts := &sql.TxOptions{}
	if s.cfg.Driver == DriverPostgres {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		if isStale(err) {
			return posting.ErrStale
		}
		return NewTransactionError("begin", "failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		if isStale(err) {
			return posting.ErrStale
		}
		return NewTransactionError("commit", "transaction commit failed", err)
	}
	return nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the statement helpers serve both the transactional and read-only paths.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind converts `?` placeholders to PostgreSQL's $n form. SQLite takes
// them as written.
func (s *Store) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// utc normalizes instants before binding so SQLite's textual timestamps
// compare chronologically across rows.
func utc(t time.Time) time.Time { return t.UTC() }

// zeroNull binds a zero time as NULL, for open-ended windows.
func zeroNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return utc(t)
}

// ptrNull binds a nil *time.Time as NULL.
func ptrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return utc(*t)
}

// nullZero converts a scanned nullable timestamp back to the zero time.
func nullZero(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// nullPtr converts a scanned nullable timestamp back to a pointer.
func nullPtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
